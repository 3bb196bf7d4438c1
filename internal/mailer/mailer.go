// Package mailer delivers issued passes by email over SMTP with STARTTLS.
package mailer

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"time"

	"github.com/sensiblebit/passkit/internal/config"
	"github.com/sensiblebit/passkit/internal/passerr"
)

// PassContentType is the MIME type Wallet recognizes in attachments.
const PassContentType = "application/vnd.apple.pkpass"

const base64LineLength = 76

// Message is one pass delivery.
type Message struct {
	To       string
	FullName string
	Serial   string
	// Archive is attached as {Serial}.pkpass.
	Archive []byte
	// DownloadURL is linked in the body when set.
	DownloadURL string
}

// Sender delivers a pass to its recipient.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

var bodyTemplate = template.Must(template.New("body").Parse(`<p>Poštovani/a {{.FullName}},</p>
<p>Vaša kartica <strong>{{.Organization}}</strong> je u prilogu. Molimo Vas da preuzmete <strong>.pkpass</strong> datoteku.</p>
<p>Klikom na datoteku, automatski ćete je dodati u Apple Wallet.</p>
{{- if .DownloadURL}}
<p>Karticu možete preuzeti i ovdje: <a href="{{.DownloadURL}}">{{.DownloadURL}}</a></p>
{{- end}}
<p>Hvala Vam na lojalnosti.</p>
<p>S poštovanjem,<br>{{.Organization}}</p>
`))

// Option configures an SMTP sender.
type Option func(*SMTP)

// WithoutTLS allows delivery to servers that do not offer STARTTLS, such
// as a local test relay.
func WithoutTLS() Option {
	return func(s *SMTP) { s.requireTLS = false }
}

// WithTLSConfig sets the TLS configuration used for STARTTLS.
func WithTLSConfig(tc *tls.Config) Option {
	return func(s *SMTP) { s.tlsConfig = tc }
}

// SMTP sends mail through one relay.
type SMTP struct {
	cfg          config.SMTP
	organization string
	requireTLS   bool
	tlsConfig    *tls.Config
	timeout      time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// New creates a sender for the configured relay. organization signs the
// message body.
func New(cfg config.SMTP, organization string, logger *slog.Logger, opts ...Option) *SMTP {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SMTP{
		cfg:          cfg,
		organization: organization,
		requireTLS:   true,
		timeout:      30 * time.Second,
		logger:       logger,
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Send delivers msg. Every failure is a delivery_failure.
func (s *SMTP) Send(ctx context.Context, msg Message) error {
	const op = "mailer.Send"
	if s.cfg.Host == "" || s.cfg.From == "" {
		return passerr.New(passerr.KindDelivery, op, msg.To, errors.New("SMTP host and sender address are required"))
	}

	body, err := s.compose(msg)
	if err != nil {
		return passerr.New(passerr.KindDelivery, op, msg.To, err)
	}
	if err := s.deliver(ctx, msg.To, body); err != nil {
		s.logger.Warn("email delivery failed", "to", msg.To, "serial", msg.Serial, "error", err)
		return passerr.New(passerr.KindDelivery, op, msg.To, err)
	}
	s.logger.Info("email sent", "to", msg.To, "serial", msg.Serial)
	return nil
}

func (s *SMTP) deliver(ctx context.Context, to string, body []byte) error {
	from, err := mail.ParseAddress(s.cfg.From)
	if err != nil {
		return fmt.Errorf("parsing sender address: %w", err)
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	dialer := &net.Dialer{Timeout: s.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(s.now().Add(s.timeout))
	}

	c, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("starting SMTP session: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		tc := s.tlsConfig
		if tc == nil {
			tc = &tls.Config{ServerName: s.cfg.Host, MinVersion: tls.VersionTLS12}
		}
		if err := c.StartTLS(tc); err != nil {
			return fmt.Errorf("STARTTLS: %w", err)
		}
	} else if s.requireTLS {
		return fmt.Errorf("server %s does not offer STARTTLS", addr)
	}

	if s.cfg.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)); err != nil {
			return fmt.Errorf("authenticating: %w", err)
		}
	}
	if err := c.Mail(from.Address); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	if err := c.Rcpt(to); err != nil {
		return fmt.Errorf("RCPT TO: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finishing message: %w", err)
	}
	return c.Quit()
}

// compose renders the multipart/mixed message with an HTML body and the
// archive attached.
func (s *SMTP) compose(msg Message) ([]byte, error) {
	var html bytes.Buffer
	err := bodyTemplate.Execute(&html, map[string]string{
		"FullName":     msg.FullName,
		"Organization": s.organization,
		"DownloadURL":  msg.DownloadURL,
	})
	if err != nil {
		return nil, fmt.Errorf("rendering body: %w", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	headers := []struct{ key, value string }{
		{"From", s.cfg.From},
		{"To", msg.To},
		{"Subject", mime.QEncoding.Encode("utf-8", s.cfg.Subject)},
		{"Date", s.now().Format(time.RFC1123Z)},
		{"Message-ID", messageID(s.cfg.Host)},
		{"MIME-Version", "1.0"},
		{"Content-Type", "multipart/mixed; boundary=" + mw.Boundary()},
	}
	var head bytes.Buffer
	for _, h := range headers {
		fmt.Fprintf(&head, "%s: %s\r\n", h.key, h.value)
	}
	head.WriteString("\r\n")

	part, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {"text/html; charset=utf-8"},
		"Content-Transfer-Encoding": {"base64"},
	})
	if err != nil {
		return nil, err
	}
	if err := writeBase64Lines(part, html.Bytes()); err != nil {
		return nil, err
	}

	if len(msg.Archive) > 0 {
		filename := msg.Serial + ".pkpass"
		part, err = mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {mime.FormatMediaType(PassContentType, map[string]string{"name": filename})},
			"Content-Transfer-Encoding": {"base64"},
			"Content-Disposition":       {mime.FormatMediaType("attachment", map[string]string{"filename": filename})},
		})
		if err != nil {
			return nil, err
		}
		if err := writeBase64Lines(part, msg.Archive); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return append(head.Bytes(), buf.Bytes()...), nil
}

// writeBase64Lines writes data as base64 wrapped at the RFC 2045 line limit.
func writeBase64Lines(w io.Writer, data []byte) error {
	encoded := base64.StdEncoding.EncodeToString(data)
	for len(encoded) > 0 {
		n := min(base64LineLength, len(encoded))
		if _, err := io.WriteString(w, encoded[:n]+"\r\n"); err != nil {
			return err
		}
		encoded = encoded[n:]
	}
	return nil
}

func messageID(host string) string {
	var b [12]byte
	_, _ = rand.Read(b[:])
	return "<" + hex.EncodeToString(b[:]) + "@" + host + ">"
}
