// Package mail delivers signed-document notifications over SMTP.
package mail

import (
	"context"
	"errors"
	"fmt"
	"strings"

	gomail "github.com/wneessen/go-mail"
)

var (
	errMissingHost = errors.New("smtp host must be provided")
	errMissingFrom = errors.New("sender address must be provided")
)

// Message describes one signed-document notification.
type Message struct {
	Recipient    string
	DocumentName string
	DownloadLink string
}

// Sender delivers document notifications. Implementations must be safe for
// concurrent use.
type Sender interface {
	Send(ctx context.Context, message Message) error
}

// SMTPConfig carries the connection settings for the SMTP sender.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPSender sends notifications through an authenticated SMTP relay.
type SMTPSender struct {
	config SMTPConfig
}

// NewSMTPSender validates the configuration and returns a ready sender.
func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errMissingHost
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errMissingFrom
	}
	return &SMTPSender{config: cfg}, nil
}

// Send dials the relay and delivers a single notification message.
func (s *SMTPSender) Send(ctx context.Context, message Message) error {
	msg := gomail.NewMsg()
	if err := msg.From(s.config.From); err != nil {
		return fmt.Errorf("set sender: %w", err)
	}
	if err := msg.To(message.Recipient); err != nil {
		return fmt.Errorf("set recipient: %w", err)
	}
	msg.Subject(fmt.Sprintf("Signed document: %s", message.DocumentName))
	msg.SetBodyString(gomail.TypeTextPlain, renderBody(message))

	options := []gomail.Option{gomail.WithPort(s.config.Port)}
	if s.config.Username != "" {
		options = append(options,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(s.config.Username),
			gomail.WithPassword(s.config.Password),
		)
	}

	client, err := gomail.NewClient(s.config.Host, options...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

func renderBody(message Message) string {
	var b strings.Builder
	b.WriteString("Please find the signed document attached via the link below.\n\n")
	b.WriteString(message.DocumentName)
	b.WriteString("\n")
	b.WriteString(message.DownloadLink)
	b.WriteString("\n")
	return b.String()
}
