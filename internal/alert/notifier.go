package alert

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/ignite/mailqueue/internal/config"
	"github.com/ignite/mailqueue/internal/pkg/logger"
)

// SMTPNotifier emails alerts to the configured operator addresses through
// the same server the engine sends with. Alert mail bypasses the queue:
// when the queue itself is the problem, queued alerts would never leave.
type SMTPNotifier struct {
	smtp config.SMTPConfig
	from string
	to   []string
}

// NewSMTPNotifier creates a notifier. Returns nil if no recipients are
// configured; callers should fall back to the log notifier.
func NewSMTPNotifier(smtpCfg config.SMTPConfig, alertCfg config.AlertConfig) *SMTPNotifier {
	if len(alertCfg.NotifyTo) == 0 {
		return nil
	}
	from := alertCfg.NotifyFrom
	if from == "" {
		from = smtpCfg.From
	}
	return &SMTPNotifier{smtp: smtpCfg, from: from, to: alertCfg.NotifyTo}
}

// Notify sends one alert email. The whole exchange runs under connection
// deadlines so a hung server fails the notification instead of pinning the
// delivery goroutine.
func (n *SMTPNotifier) Notify(_ context.Context, notif Notification) error {
	subject := fmt.Sprintf("[mailqueue] %s: %s", notif.Severity, notif.Rule)
	if notif.Resolved {
		subject = fmt.Sprintf("[mailqueue] resolved: %s", notif.Rule)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", n.from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(n.to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", notif.At.UTC().Format(time.RFC1123Z))
	b.WriteString("\r\n")
	fmt.Fprintf(&b, "Rule:     %s\r\n", notif.Rule)
	fmt.Fprintf(&b, "Severity: %s\r\n", notif.Severity)
	fmt.Fprintf(&b, "Time:     %s\r\n", notif.At.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Detail:   %s\r\n", notif.Detail)

	addr := fmt.Sprintf("%s:%d", n.smtp.Host, n.smtp.Port)
	conn, err := net.DialTimeout("tcp", addr, n.smtp.ConnectTimeout())
	if err != nil {
		return err
	}
	if err := conn.SetDeadline(time.Now().Add(n.smtp.SendTimeout())); err != nil {
		conn.Close()
		return err
	}

	client, err := smtp.NewClient(conn, n.smtp.Host)
	if err != nil {
		conn.Close()
		return err
	}
	defer client.Close()

	if n.smtp.Username != "" {
		auth := smtp.PlainAuth("", n.smtp.Username, n.smtp.Password, n.smtp.Host)
		if err := client.Auth(auth); err != nil {
			return err
		}
	}
	if err := client.Mail(n.from); err != nil {
		return err
	}
	for _, rcpt := range n.to {
		if err := client.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte(b.String())); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}

// LogNotifier writes alerts to the structured log only. The default when
// no operator addresses are configured.
type LogNotifier struct{}

// Notify logs the alert.
func (LogNotifier) Notify(_ context.Context, notif Notification) error {
	if notif.Resolved {
		logger.Info("alert notification",
			"rule", notif.Rule, "resolved", "true", "detail", notif.Detail)
	} else {
		logger.Warn("alert notification",
			"rule", notif.Rule, "severity", string(notif.Severity), "detail", notif.Detail)
	}
	return nil
}
