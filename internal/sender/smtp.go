// Package sender delivers assembled messages over SMTP and classifies the
// result as sent, retryable, or permanent so workers can drive the queue
// state machine without parsing transport errors themselves.
package sender

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"time"

	"github.com/ignite/mailqueue/internal/config"
)

// Sender delivers one message per call. Implementations must be safe for
// concurrent use by the worker pool.
type Sender interface {
	Send(msg *Message) Outcome
	TestConnection() error
}

// SMTPSender sends through a single configured SMTP server, opening one
// connection per message. Connection reuse is deliberately not attempted:
// the worker pool bounds concurrency and servers aggressively drop idle
// connections anyway.
type SMTPSender struct {
	cfg config.SMTPConfig
}

// NewSMTPSender creates a sender for the configured server.
func NewSMTPSender(cfg config.SMTPConfig) *SMTPSender {
	return &SMTPSender{cfg: cfg}
}

// Send assembles and delivers the message. The configured send timeout
// bounds the whole exchange via connection deadlines.
func (s *SMTPSender) Send(msg *Message) Outcome {
	err := s.send(msg)
	return classify(err)
}

func (s *SMTPSender) send(msg *Message) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	conn, err := net.DialTimeout("tcp", addr, s.cfg.ConnectTimeout())
	if err != nil {
		return err
	}
	// One deadline covers the whole exchange.
	deadline := time.Now().Add(s.cfg.SendTimeout())
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return err
	}

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return err
	}
	defer client.Close()

	if s.cfg.UseTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: s.cfg.Host}); err != nil {
				return err
			}
		}
	}

	if s.cfg.Username != "" {
		auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := client.Mail(s.cfg.From); err != nil {
		return err
	}
	for _, rcpt := range msg.allRecipients() {
		if err := client.Rcpt(rcpt); err != nil {
			return err
		}
	}

	w, err := client.Data()
	if err != nil {
		return err
	}
	if msg.From == "" {
		msg.From = s.cfg.From
	}
	if _, err := w.Write(msg.assemble(time.Now())); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	return client.Quit()
}

// TestConnection dials the server and completes the EHLO exchange. Used by
// the health monitor's SMTP probe.
func (s *SMTPSender) TestConnection() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	conn, err := net.DialTimeout("tcp", addr, s.cfg.ConnectTimeout())
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	conn.SetDeadline(time.Now().Add(s.cfg.ConnectTimeout()))

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("handshake %s: %w", addr, err)
	}
	defer client.Close()

	return client.Quit()
}
