package worker

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"dripflow/queue"
	"dripflow/utils"
)

type statsSource interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

// QueueMonitor samples queue depth into metrics and reports growth of the failed set
type QueueMonitor struct {
	source   statsSource
	metrics  *queue.Metrics
	interval time.Duration
	logger   *logrus.Entry

	lastFailed int64
	sampled    bool
}

func NewQueueMonitor(source statsSource, metrics *queue.Metrics, interval time.Duration, logger *logrus.Entry) *QueueMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &QueueMonitor{
		source:   source,
		metrics:  metrics,
		interval: interval,
		logger:   logger.WithField("component", "queue_monitor"),
	}
}

func (qm *QueueMonitor) Start(ctx context.Context) {
	qm.logger.Println("Starting queue monitor...")
	ticker := time.NewTicker(qm.interval)
	defer ticker.Stop()

	for {
		qm.sample(ctx)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			qm.logger.Println("Stopping queue monitor...")
			return
		}
	}
}

func (qm *QueueMonitor) sample(ctx context.Context) {
	stats, err := qm.source.Stats(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			qm.logger.WithError(err).Warn("Failed to read queue stats")
		}
		return
	}
	qm.metrics.ObserveStats(stats)

	if qm.sampled && stats.Failed > qm.lastFailed {
		utils.LogEvent("queue_failed_jobs_grew", map[string]interface{}{
			"failed":   stats.Failed,
			"new":      stats.Failed - qm.lastFailed,
			"delayed":  stats.Delayed,
			"active":   stats.Active,
			"interval": qm.interval.String(),
		})
	}
	qm.lastFailed = stats.Failed
	qm.sampled = true
}
