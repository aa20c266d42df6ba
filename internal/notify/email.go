// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EmailConfig configures SMTP delivery. Addresses maps recipient references
// ("org:<id>", "user:<id>") to mailbox lists.
type EmailConfig struct {
	Enabled   bool                `koanf:"enabled"`
	Host      string              `koanf:"host"`
	Port      int                 `koanf:"port"`
	Username  string              `koanf:"username"`
	Password  string              `koanf:"password"`
	From      string              `koanf:"from"`
	FromName  string              `koanf:"from_name"`
	UseTLS    bool                `koanf:"use_tls"`
	Timeout   time.Duration       `koanf:"timeout"`
	Addresses map[string][]string `koanf:"addresses"`
}

// Validate checks the SMTP settings.
func (c EmailConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("SMTP host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid SMTP port: %d", c.Port)
	}
	if err := validateEmail(c.From); err != nil {
		return fmt.Errorf("invalid SMTP from address: %w", err)
	}
	for ref, addrs := range c.Addresses {
		if _, _, err := ParseRecipient(ref); err != nil {
			return err
		}
		for _, a := range addrs {
			if err := validateEmail(a); err != nil {
				return fmt.Errorf("recipient %s: %w", ref, err)
			}
		}
	}
	return nil
}

// EmailChannel sends multipart text/HTML mail over SMTP.
type EmailChannel struct {
	cfg EmailConfig
}

// NewEmailChannel creates the email adapter.
func NewEmailChannel(cfg EmailConfig) (*EmailChannel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &EmailChannel{cfg: cfg}, nil
}

func (c *EmailChannel) Name() string { return ChannelEmail }

// Deliver mails the payload to every address mapped to recipient.
func (c *EmailChannel) Deliver(ctx context.Context, recipient string, p *Payload) error {
	addrs := c.cfg.Addresses[recipient]
	if len(addrs) == 0 {
		return fmt.Errorf("no email address for recipient %s", recipient)
	}
	var failed []string
	for _, to := range addrs {
		if err := c.send(ctx, to, c.buildMessage(to, p)); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", to, err))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("email delivery failed: %s", strings.Join(failed, "; "))
	}
	return nil
}

func (c *EmailChannel) buildMessage(to string, p *Payload) string {
	var msg strings.Builder
	fromName := c.cfg.FromName
	if fromName == "" {
		fromName = "ScanSentry"
	}
	fmt.Fprintf(&msg, "From: %s <%s>\r\n", fromName, c.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: %s\r\n", strings.ReplaceAll(p.Title, "\n", " "))
	msg.WriteString("MIME-Version: 1.0\r\n")
	if p.AlertID != "" {
		fmt.Fprintf(&msg, "X-Alert-ID: %s\r\n", p.AlertID)
	}
	fmt.Fprintf(&msg, "X-Alert-Severity: %s\r\n", p.Severity)

	boundary := "alt_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", boundary)
	fmt.Fprintf(&msg, "--%s\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s\r\n", boundary, p.Text)
	fmt.Fprintf(&msg, "--%s\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n%s\r\n", boundary, p.HTML)
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)
	return msg.String()
}

func (c *EmailChannel) send(ctx context.Context, to, msg string) error {
	addr := net.JoinHostPort(c.cfg.Host, fmt.Sprint(c.cfg.Port))
	dialer := &net.Dialer{Timeout: c.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer func() { _ = conn.Close() }() //nolint:errcheck // best effort
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline) //nolint:errcheck // best effort
	}

	client, err := smtp.NewClient(conn, c.cfg.Host)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer func() { _ = client.Close() }() //nolint:errcheck // best effort

	if c.cfg.UseTLS {
		if err := client.StartTLS(&tls.Config{ServerName: c.cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
			return fmt.Errorf("failed to start TLS: %w", err)
		}
	}
	if c.cfg.Username != "" && c.cfg.Password != "" {
		if err := client.Auth(smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}
	if err := client.Mail(c.cfg.From); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("failed to set recipient: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to start message: %w", err)
	}
	if _, err := w.Write([]byte(msg)); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close message: %w", err)
	}
	_ = client.Quit() //nolint:errcheck // message already accepted
	return nil
}

func validateEmail(email string) error {
	parts := strings.Split(email, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("invalid email address format: %q", email)
	}
	if !strings.Contains(parts[1], ".") {
		return fmt.Errorf("invalid email domain: %s", parts[1])
	}
	return nil
}
