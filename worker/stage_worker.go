package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"dripflow/queue"
)

// JobRunner is the queue side the stage worker drives
type JobRunner interface {
	Register(kind string, handler queue.HandlerFunc)
	Start(ctx context.Context)
}

// StageWorker runs the campaign stage handlers against the job queue
type StageWorker struct {
	Queue      JobRunner
	Handlers   map[string]queue.HandlerFunc
	StartDelay time.Duration
	Logger     *logrus.Entry
}

func NewStageWorker(q JobRunner, handlers map[string]queue.HandlerFunc, logger *logrus.Entry) *StageWorker {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &StageWorker{
		Queue:    q,
		Handlers: handlers,
		Logger:   logger.WithField("component", "stage_worker"),
	}
}

// Start registers every stage handler and blocks until ctx is done and in-flight jobs
// have finished.
func (sw *StageWorker) Start(ctx context.Context) {
	// Initial delay to let the server start up
	if sw.StartDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(sw.StartDelay):
		}
	}

	for kind, handler := range sw.Handlers {
		sw.Queue.Register(kind, sw.logged(kind, handler))
	}
	sw.Logger.WithField("kinds", len(sw.Handlers)).Info("Stage worker started")

	sw.Queue.Start(ctx)
	sw.Logger.Info("Stage worker shutting down...")
}

func (sw *StageWorker) logged(kind string, handler queue.HandlerFunc) queue.HandlerFunc {
	return func(ctx context.Context, job *queue.Job) error {
		start := time.Now()
		err := handler(ctx, job)

		entry := sw.Logger.WithFields(logrus.Fields{
			"job_id":  job.ID,
			"kind":    kind,
			"attempt": job.Attempt,
			"took":    time.Since(start).String(),
		})
		if err != nil {
			entry.WithError(err).Warn("Stage job failed")
		} else {
			entry.Debug("Stage job finished")
		}
		return err
	}
}
