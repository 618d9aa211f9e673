// Package notify sends operator emails: the failure mail on daemon exit and
// the optional scheduled status digest.
package notify

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/smtp"
	"strings"
	"time"
)

// Config is the `email_reporter` section of the daemon configuration.
type Config struct {
	SubjectPrefix  string `yaml:"subject_prefix"`
	SenderAddress  string `yaml:"sender_address"`
	SenderPassword string `yaml:"sender_password"`
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
}

// Validate checks the fields needed to deliver mail.
func (c Config) Validate() error {
	if c.SenderAddress == "" {
		return errors.New("email_reporter: sender_address is required")
	}
	if c.Host == "" {
		return errors.New("email_reporter: host is required")
	}
	if c.Port <= 0 {
		return fmt.Errorf("email_reporter: port must be > 0, got %d", c.Port)
	}
	return nil
}

// Emailer delivers plain-text mail over SMTP with STARTTLS.
type Emailer struct {
	cfg        Config
	recipients []string
}

// NewEmailer builds an emailer for the configured recipient list.
func NewEmailer(cfg Config, recipients []string) (*Emailer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, errors.New("email recipients list is empty")
	}
	return &Emailer{cfg: cfg, recipients: recipients}, nil
}

// Send delivers one message to every configured recipient. The subject gets
// the configured prefix.
func (e *Emailer) Send(subject, body string) error {
	addr := fmt.Sprintf("%s:%d", e.cfg.Host, e.cfg.Port)
	client, err := smtp.Dial(addr)
	if err != nil {
		return fmt.Errorf("dial smtp %s: %w", addr, err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: e.cfg.Host}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if e.cfg.SenderPassword != "" {
		auth := smtp.PlainAuth("", e.cfg.SenderAddress, e.cfg.SenderPassword, e.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(e.cfg.SenderAddress); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	for _, rcpt := range e.recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp rcpt %s: %w", rcpt, err)
		}
	}

	wc, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	msg := e.buildMessage(subject, body)
	if _, err := wc.Write([]byte(msg)); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("close message: %w", err)
	}
	return client.Quit()
}

func (e *Emailer) buildMessage(subject, body string) string {
	fullSubject := subject
	if e.cfg.SubjectPrefix != "" {
		fullSubject = e.cfg.SubjectPrefix + " " + subject
	}
	headers := []string{
		"From: " + e.cfg.SenderAddress,
		"To: " + strings.Join(e.recipients, ", "),
		"Subject: " + fullSubject,
		"Date: " + time.Now().Format(time.RFC1123Z),
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=UTF-8",
	}
	return strings.Join(headers, "\r\n") + "\r\n\r\n" + body + "\r\n"
}
