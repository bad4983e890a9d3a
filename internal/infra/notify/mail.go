package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/mail.v2"

	"github.com/coachpo/tradeplane/errs"
	"github.com/coachpo/tradeplane/internal/domain/notification"
)

// MailConfig configures the SMTP notification sink.
type MailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

type mailSender interface {
	DialAndSend(m ...*mail.Message) error
}

// Mail emails notifications as plain text.
type Mail struct {
	cfg    MailConfig
	sender mailSender
}

// NewMail constructs a Mail notifier dialling the configured SMTP server per message.
func NewMail(cfg MailConfig) (*Mail, error) {
	if strings.TrimSpace(cfg.Host) == "" || cfg.Port <= 0 || len(cfg.To) == 0 {
		return nil, errs.Configuration("mail notifier requires host, port and recipients")
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	return &Mail{cfg: cfg, sender: mail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)}, nil
}

// Notify implements notification.Notifier. SMTP has no context support; ctx is only checked up front.
func (m *Mail) Notify(ctx context.Context, msg notification.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg = stamp(msg)
	out := mail.NewMessage()
	out.SetHeader("From", m.cfg.From)
	out.SetHeader("To", m.cfg.To...)
	out.SetHeader("Subject", fmt.Sprintf("[tradeplane %s] %s", msg.Level, msg.Title))
	out.SetBody("text/plain", renderBody(msg))
	if err := m.sender.DialAndSend(out); err != nil {
		return errs.New("", errs.CodeUnavailable, errs.WithMessage("send notification email"), errs.WithCause(err))
	}
	return nil
}

func renderBody(msg notification.Message) string {
	var b strings.Builder
	b.WriteString(msg.Body)
	b.WriteString("\n\n")
	keys := make([]string, 0, len(msg.Fields))
	for k := range msg.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, msg.Fields[k])
	}
	fmt.Fprintf(&b, "at: %s\n", msg.Created.Format("2006-01-02T15:04:05Z07:00"))
	return b.String()
}
