package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/jcmexdev/ecommerce-email/internal/email-service/config"
	"github.com/jcmexdev/ecommerce-email/internal/email-service/core/domain/entity"
	"github.com/jcmexdev/ecommerce-email/internal/email-service/core/ports"
)

var _ ports.Mailer = (*SMTPMailer)(nil)

// Dialer abstracts net.Dialer so tests can hand back an in-memory conn.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// SMTPOption configures the behaviour of the SMTP mailer.
type SMTPOption func(*SMTPMailer)

// WithTLSConfig overrides the TLS configuration used for STARTTLS. A nil
// config disables STARTTLS.
func WithTLSConfig(cfg *tls.Config) SMTPOption {
	return func(m *SMTPMailer) {
		m.tlsConfig = cfg
	}
}

// WithDialer swaps the network dialer used to establish SMTP connections.
func WithDialer(d Dialer) SMTPOption {
	return func(m *SMTPMailer) {
		if d != nil {
			m.dialer = d
		}
	}
}

// WithClock replaces the clock used for the Date header and receipts.
func WithClock(now func() time.Time) SMTPOption {
	return func(m *SMTPMailer) {
		if now != nil {
			m.now = now
		}
	}
}

// SMTPMailer delivers messages through a real SMTP relay.
type SMTPMailer struct {
	host      string
	port      int
	auth      smtp.Auth
	tlsConfig *tls.Config
	dialer    Dialer
	now       func() time.Time
	helloName string
}

// NewSMTPMailer builds a Mailer for the relay described by cfg.
func NewSMTPMailer(cfg config.SMTPConfig, opts ...SMTPOption) (*SMTPMailer, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("smtp mailer: host is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("smtp mailer: invalid port %d", cfg.Port)
	}

	m := &SMTPMailer{
		host:      cfg.Host,
		port:      cfg.Port,
		dialer:    &net.Dialer{Timeout: 30 * time.Second},
		now:       time.Now,
		helloName: "localhost",
		tlsConfig: &tls.Config{
			ServerName: cfg.Host,
			MinVersion: tls.VersionTLS12,
		},
	}

	if strings.TrimSpace(cfg.User) != "" {
		m.auth = smtp.PlainAuth("", cfg.User, cfg.Pass, cfg.Host)
	}

	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	return m, nil
}

// Send delivers msg. Every failure wraps entity.ErrDeliveryFailure.
func (m *SMTPMailer) Send(ctx context.Context, msg *entity.Message) (*entity.Receipt, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: smtp mailer: message is required", entity.ErrDeliveryFailure)
	}

	from, err := envelopeAddress(msg.From)
	if err != nil {
		return nil, fmt.Errorf("%w: smtp mailer: invalid from address: %v", entity.ErrDeliveryFailure, err)
	}
	to, err := envelopeAddress(msg.To)
	if err != nil {
		return nil, fmt.Errorf("%w: smtp mailer: invalid recipient: %v", entity.ErrDeliveryFailure, err)
	}

	if err := m.deliver(ctx, from, to, m.buildMessage(msg)); err != nil {
		code, body := classifySMTPError(err)
		if code != 0 {
			return nil, fmt.Errorf("%w: smtp %d: %s", entity.ErrDeliveryFailure, code, body)
		}
		return nil, fmt.Errorf("%w: %w", entity.ErrDeliveryFailure, err)
	}

	return &entity.Receipt{
		MessageID:  msg.MessageID,
		Code:       250,
		Response:   "smtp: message accepted",
		AcceptedAt: m.now(),
	}, nil
}

func (m *SMTPMailer) deliver(ctx context.Context, from, to string, message []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	addr := net.JoinHostPort(m.host, strconv.Itoa(m.port))
	conn, err := m.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("smtp mailer: dial: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	// Unblock the SMTP exchange when ctx ends before the server answers.
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	client, err := smtp.NewClient(conn, m.host)
	if err != nil {
		return fmt.Errorf("smtp mailer: new client: %w", err)
	}
	defer client.Close()

	if err := client.Hello(m.helloName); err != nil {
		return fmt.Errorf("smtp mailer: hello: %w", err)
	}

	if m.tlsConfig != nil {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(m.tlsConfig.Clone()); err != nil {
				return fmt.Errorf("smtp mailer: starttls: %w", err)
			}
		}
	}

	if m.auth != nil {
		if ok, _ := client.Extension("AUTH"); ok {
			if err := client.Auth(m.auth); err != nil {
				return fmt.Errorf("smtp mailer: auth: %w", err)
			}
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("smtp mailer: mail from: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("smtp mailer: rcpt to %s: %w", to, err)
	}

	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp mailer: data: %w", err)
	}
	if _, err := writer.Write(message); err != nil {
		_ = writer.Close()
		return fmt.Errorf("smtp mailer: data write: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("smtp mailer: data close: %w", err)
	}

	// The relay accepted the message at the end of DATA. QUIT is best effort and
	// a deadline passing from here on is not a delivery failure.
	_ = client.Quit()
	return nil
}

func (m *SMTPMailer) buildMessage(msg *entity.Message) []byte {
	headers := [][2]string{
		{"From", sanitizeHeaderValue(msg.From)},
		{"To", sanitizeHeaderValue(msg.To)},
		{"Subject", sanitizeHeaderValue(msg.Subject)},
		{"Date", m.now().UTC().Format(time.RFC1123Z)},
		{"Message-Id", sanitizeHeaderValue(msg.MessageID)},
		{"MIME-Version", "1.0"},
		{"Content-Type", contentTypeFor(msg.BodyType)},
	}

	var buf bytes.Buffer
	for _, h := range headers {
		if h[1] == "" {
			continue
		}
		buf.WriteString(h[0])
		buf.WriteString(": ")
		buf.WriteString(h[1])
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	buf.WriteString(normalizeBody(msg.Body))

	return buf.Bytes()
}

func contentTypeFor(bodyType string) string {
	if strings.EqualFold(strings.TrimSpace(bodyType), "html") {
		return "text/html; charset=UTF-8"
	}
	return "text/plain; charset=UTF-8"
}

func normalizeBody(body string) string {
	normalized := strings.ReplaceAll(body, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")
	return strings.ReplaceAll(normalized, "\n", "\r\n")
}

func sanitizeHeaderValue(value string) string {
	clean := strings.ReplaceAll(value, "\r", " ")
	clean = strings.ReplaceAll(clean, "\n", " ")
	return strings.TrimSpace(clean)
}

func envelopeAddress(value string) (string, error) {
	addr, err := mail.ParseAddress(value)
	if err != nil {
		return "", err
	}
	return addr.Address, nil
}

func classifySMTPError(err error) (int, string) {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code, strings.TrimSpace(tpErr.Msg)
	}
	return 0, ""
}
