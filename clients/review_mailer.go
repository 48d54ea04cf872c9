package clients

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"sort"
	"time"

	"github.com/badoux/checkmail"
	"github.com/sirupsen/logrus"
	"github.com/yuin/goldmark"
	"gopkg.in/gomail.v2"

	"dripflow/scheduler"
)

// MailConfig holds SMTP settings for review notices
type MailConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	FromEmail string
	FromName  string
}

type mailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

// ReviewMailer emails reviewers when generated content is waiting for them
type ReviewMailer struct {
	cfg    MailConfig
	sender mailSender
	tmpl   *template.Template
	md     goldmark.Markdown
	logger *logrus.Entry
}

var _ scheduler.ReviewNotifier = (*ReviewMailer)(nil)

func NewReviewMailer(cfg MailConfig, logger *logrus.Entry) *ReviewMailer {
	return newReviewMailer(cfg, gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password), logger)
}

func newReviewMailer(cfg MailConfig, sender mailSender, logger *logrus.Entry) *ReviewMailer {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ReviewMailer{
		cfg:    cfg,
		sender: sender,
		tmpl:   template.Must(template.New("review").Parse(reviewTemplate)),
		md:     goldmark.New(),
		logger: logger.WithField("component", "review_mailer"),
	}
}

const reviewTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.Subject}}</title>
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { color: #2c3e50; border-bottom: 1px solid #eee; padding-bottom: 10px; }
        .variant { margin: 20px 0; padding: 12px; border-left: 3px solid #3498db; background: #f8f9fa; }
        .platform { font-size: 12px; text-transform: uppercase; color: #7f8c8d; }
        .button { display: inline-block; padding: 10px 20px; background-color: #3498db; color: white; text-decoration: none; border-radius: 4px; }
        .footer { margin-top: 30px; font-size: 12px; color: #7f8c8d; text-align: center; }
    </style>
</head>
<body>
    <div class="header">
        <h2>New post ready for review</h2>
    </div>

    <p>A post for <strong>{{.CampaignName}}</strong> is scheduled for {{.PublishAt}}.</p>

    {{range .Variants}}
    <div class="variant">
        <div class="platform">{{.Platform}}</div>
        {{.HTML}}
    </div>
    {{end}}

    <p style="text-align: center;">
        <a href="{{.ReviewLink}}" class="button">Review post</a>
    </p>

    <p>If nobody reviews it, the post is approved and published automatically at its scheduled time.</p>

    <div class="footer">
        <p>Or copy and paste this link into your browser:<br>
        <small>{{.ReviewLink}}</small></p>
    </div>
</body>
</html>`

type reviewVariant struct {
	Platform string
	HTML     template.HTML
}

type reviewView struct {
	Subject      string
	CampaignName string
	PublishAt    string
	ReviewLink   string
	Variants     []reviewVariant
}

func (m *ReviewMailer) SendReviewNotice(ctx context.Context, notice scheduler.ReviewNotice) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkmail.ValidateFormat(notice.Recipient); err != nil {
		return fmt.Errorf("invalid review recipient %q: %w", notice.Recipient, err)
	}

	subject, body, err := m.render(notice)
	if err != nil {
		return err
	}

	msg := gomail.NewMessage()
	msg.SetAddressHeader("From", m.cfg.FromEmail, m.cfg.FromName)
	msg.SetHeader("To", notice.Recipient)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/html", body)

	if err := m.sender.DialAndSend(msg); err != nil {
		return fmt.Errorf("error sending review notice: %w", err)
	}

	m.logger.WithFields(logrus.Fields{
		"recipient": notice.Recipient,
		"campaign":  notice.CampaignName,
	}).Info("Review notice sent")
	return nil
}

// render builds the subject and HTML body; content variants are treated as markdown
func (m *ReviewMailer) render(notice scheduler.ReviewNotice) (string, string, error) {
	loc, err := time.LoadLocation(notice.Timezone)
	if err != nil {
		loc = time.UTC
	}

	view := reviewView{
		Subject:      fmt.Sprintf("Review needed: %s", notice.CampaignName),
		CampaignName: notice.CampaignName,
		PublishAt:    notice.PublishAt.In(loc).Format("Mon, 02 Jan 2006 15:04 MST"),
		ReviewLink:   notice.ReviewLink,
	}

	platforms := make([]string, 0, len(notice.Content))
	for platform := range notice.Content {
		platforms = append(platforms, platform)
	}
	sort.Strings(platforms)

	for _, platform := range platforms {
		var buf bytes.Buffer
		if err := m.md.Convert([]byte(notice.Content[platform]), &buf); err != nil {
			return "", "", fmt.Errorf("error rendering %s variant: %w", platform, err)
		}
		view.Variants = append(view.Variants, reviewVariant{
			Platform: platform,
			HTML:     template.HTML(buf.String()),
		})
	}

	var body bytes.Buffer
	if err := m.tmpl.Execute(&body, view); err != nil {
		return "", "", fmt.Errorf("error executing template: %w", err)
	}
	return view.Subject, body.String(), nil
}
