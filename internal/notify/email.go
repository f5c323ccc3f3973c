package notify

import (
	"context"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"sitepatrol/internal/apperr"
)

// SMTPConfig describes the outgoing mail server.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// sendMailFunc matches smtp.SendMail.
type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailNotifier delivers messages to their recipients over SMTP.
type EmailNotifier struct {
	cfg      SMTPConfig
	sendMail sendMailFunc
	now      func() time.Time
}

// NewEmailNotifier creates an SMTP notifier.
func NewEmailNotifier(cfg SMTPConfig) (*EmailNotifier, error) {
	if cfg.Host == "" {
		return nil, apperr.Configuration("smtp host is empty")
	}
	if cfg.From == "" {
		return nil, apperr.Configuration("smtp sender address is empty")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &EmailNotifier{cfg: cfg, sendMail: smtp.SendMail, now: time.Now}, nil
}

// Send mails msg to msg.Recipients. A message without recipients is a no-op.
func (e *EmailNotifier) Send(ctx context.Context, msg Message) error {
	if len(msg.Recipients) == 0 {
		return nil
	}
	addr := net.JoinHostPort(e.cfg.Host, strconv.Itoa(e.cfg.Port))
	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
	}
	body := e.compose(msg)

	// smtp.SendMail has no context support; give up waiting when ctx ends.
	done := make(chan error, 1)
	go func() {
		done <- e.sendMail(addr, auth, e.cfg.From, msg.Recipients, body)
	}()
	select {
	case err := <-done:
		if err != nil {
			return apperr.ExternalService("send patrol email", apperr.WithCause(err),
				apperr.WithContext(map[string]any{"channel": "email", "recipients": len(msg.Recipients)}))
		}
		return nil
	case <-ctx.Done():
		return apperr.Normalize(ctx.Err(), map[string]any{"channel": "email"})
	}
}

func (e *EmailNotifier) compose(msg Message) []byte {
	var b strings.Builder
	header := func(k, v string) {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(v)
		b.WriteString("\r\n")
	}
	header("From", e.cfg.From)
	header("To", strings.Join(msg.Recipients, ", "))
	header("Subject", mime.QEncoding.Encode("utf-8", msg.Title))
	header("Date", e.now().Format(time.RFC1123Z))
	header("MIME-Version", "1.0")
	header("Content-Type", "text/plain; charset=utf-8")
	header("Content-Transfer-Encoding", "8bit")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	return []byte(b.String())
}

func (e *EmailNotifier) String() string {
	return fmt.Sprintf("smtp://%s:%d", e.cfg.Host, e.cfg.Port)
}
