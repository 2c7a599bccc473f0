package executor

import (
	"context"
	"fmt"

	"cadence/engine"

	"gopkg.in/gomail.v2"
)

// SMTPSender delivers email over SMTP. Dial and send failures are
// connectivity problems, so they classify as transient.
type SMTPSender struct {
	Host      string
	Port      int
	Username  string
	Password  string
	FromEmail string
	FromName  string
}

func NewSMTPSender(host string, port int, username, password, fromEmail, fromName string) *SMTPSender {
	return &SMTPSender{
		Host:      host,
		Port:      port,
		Username:  username,
		Password:  password,
		FromEmail: fromEmail,
		FromName:  fromName,
	}
}

func (ss *SMTPSender) Send(ctx context.Context, msg EmailMessage) error {
	if err := ctx.Err(); err != nil {
		return &engine.TransientExecutionError{Err: err}
	}

	m := gomail.NewMessage()
	m.SetHeader("From", m.FormatAddress(ss.FromEmail, ss.FromName))
	if msg.ToName != "" {
		m.SetHeader("To", m.FormatAddress(msg.To, msg.ToName))
	} else {
		m.SetHeader("To", msg.To)
	}
	m.SetHeader("Subject", msg.Subject)
	if msg.MessageID != "" {
		m.SetHeader("Message-ID", fmt.Sprintf("<%s@%s>", msg.MessageID, ss.Host))
	}
	m.SetBody("text/plain", msg.TextBody)
	if msg.HTMLBody != "" {
		m.AddAlternative("text/html", msg.HTMLBody)
	}

	d := gomail.NewDialer(ss.Host, ss.Port, ss.Username, ss.Password)
	if err := d.DialAndSend(m); err != nil {
		return &engine.TransientExecutionError{Err: fmt.Errorf("smtp delivery failed: %w", err)}
	}
	return nil
}
