package clients

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"

	"dripflow/scheduler"
)

type fakeSender struct {
	sent []*gomail.Message
	err  error
}

func (f *fakeSender) DialAndSend(m ...*gomail.Message) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, m...)
	return nil
}

func notice() scheduler.ReviewNotice {
	return scheduler.ReviewNotice{
		Recipient:    "reviewer@example.com",
		CampaignName: "Coffee drip",
		Content: map[string]string{
			"linkedin": "A **fresh** harvest",
			"default":  "Fresh beans today",
		},
		ReviewLink: "https://app.example.com/campaigns/1/posts/2/review",
		PublishAt:  time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC),
		Timezone:   "Europe/Berlin",
	}
}

func TestReviewMailer_SendsNotice(t *testing.T) {
	sender := &fakeSender{}
	mailer := newReviewMailer(MailConfig{FromEmail: "noreply@dripflow.test", FromName: "Dripflow"}, sender, nil)

	require.NoError(t, mailer.SendReviewNotice(context.Background(), notice()))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, []string{"reviewer@example.com"}, sender.sent[0].GetHeader("To"))
	assert.Equal(t, []string{"Review needed: Coffee drip"}, sender.sent[0].GetHeader("Subject"))
}

func TestReviewMailer_Render(t *testing.T) {
	mailer := newReviewMailer(MailConfig{}, &fakeSender{}, nil)

	subject, body, err := mailer.render(notice())
	require.NoError(t, err)
	assert.Equal(t, "Review needed: Coffee drip", subject)
	assert.Contains(t, body, "<strong>fresh</strong>")
	assert.Contains(t, body, "Fri, 10 Jan 2025 09:00 CET")
	assert.Contains(t, body, `href="https://app.example.com/campaigns/1/posts/2/review"`)
	assert.Less(t, strings.Index(body, "Fresh beans today"), strings.Index(body, "harvest"))
}

func TestReviewMailer_UnknownTimezoneFallsBackToUTC(t *testing.T) {
	mailer := newReviewMailer(MailConfig{}, &fakeSender{}, nil)
	n := notice()
	n.Timezone = "Mars/Olympus"

	_, body, err := mailer.render(n)
	require.NoError(t, err)
	assert.Contains(t, body, "Fri, 10 Jan 2025 08:00 UTC")
}

func TestReviewMailer_Errors(t *testing.T) {
	sender := &fakeSender{}
	mailer := newReviewMailer(MailConfig{}, sender, nil)

	n := notice()
	n.Recipient = "not-an-address"
	assert.Error(t, mailer.SendReviewNotice(context.Background(), n))
	assert.Empty(t, sender.sent)

	sender.err = errors.New("connection refused")
	err := mailer.SendReviewNotice(context.Background(), notice())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}
