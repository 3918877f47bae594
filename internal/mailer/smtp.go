// Package mailer delivers email over SMTP. Messages are built as
// multipart/alternative MIME with a text and an HTML part so clients can
// pick whichever they render.
package mailer

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/notifyhub/notifyhub/internal/config"
)

// Sender delivers one email and returns the provider message ID.
type Sender struct {
	cfg config.SMTPConfig
}

// New creates an SMTP sender from config.
func New(cfg config.SMTPConfig) *Sender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	return &Sender{cfg: cfg}
}

// Send builds and submits the message. The returned message ID is the
// one stamped into the Message-ID header, since plain SMTP servers do
// not echo an ID back.
func (s *Sender) Send(ctx context.Context, to, toName, subject, htmlBody, textBody string) (string, error) {
	messageID := newMessageID(s.cfg.From)
	msg := s.buildMessage(to, toName, subject, htmlBody, textBody, messageID)

	deadline := time.Now().Add(s.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	conn, err := net.DialTimeout("tcp", smtpAddr(s.cfg.Host, s.cfg.Port), time.Until(deadline))
	if err != nil {
		return "", fmt.Errorf("smtp dial: %w", err)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return "", fmt.Errorf("smtp deadline: %w", err)
	}

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return "", fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if s.cfg.UseTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: s.cfg.Host}); err != nil {
				return "", fmt.Errorf("smtp starttls: %w", err)
			}
		}
	}
	if s.cfg.Username != "" {
		auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return "", fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(s.cfg.From); err != nil {
		return "", fmt.Errorf("smtp mail from: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return "", fmt.Errorf("smtp rcpt to: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return "", fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return "", fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("smtp close data: %w", err)
	}
	if err := client.Quit(); err != nil {
		return "", fmt.Errorf("smtp quit: %w", err)
	}
	return messageID, nil
}

func (s *Sender) buildMessage(to, toName, subject, htmlBody, textBody, messageID string) []byte {
	boundary := "np" + randomHex(16)

	var b strings.Builder
	writeHeader := func(k, v string) {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(v)
		b.WriteString("\r\n")
	}

	writeHeader("From", s.cfg.From)
	writeHeader("To", formatAddress(to, toName))
	writeHeader("Subject", mime.QEncoding.Encode("utf-8", subject))
	writeHeader("Message-ID", "<"+messageID+">")
	writeHeader("Date", time.Now().UTC().Format(time.RFC1123Z))
	writeHeader("MIME-Version", "1.0")
	writeHeader("Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", boundary))
	b.WriteString("\r\n")

	writePart := func(contentType, body string) {
		b.WriteString("--" + boundary + "\r\n")
		b.WriteString("Content-Type: " + contentType + "; charset=utf-8\r\n")
		b.WriteString("Content-Transfer-Encoding: 8bit\r\n\r\n")
		b.WriteString(body)
		b.WriteString("\r\n")
	}
	// Plain text first so HTML wins under last-part-preferred clients.
	writePart("text/plain", textBody)
	writePart("text/html", htmlBody)
	b.WriteString("--" + boundary + "--\r\n")

	return []byte(b.String())
}

// smtpAddr joins host and port, bracketing IPv6 literals.
func smtpAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func formatAddress(email, name string) string {
	if name == "" {
		return email
	}
	return fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", name), email)
}

func newMessageID(from string) string {
	domain := "localhost"
	if at := strings.LastIndex(from, "@"); at >= 0 && at < len(from)-1 {
		domain = from[at+1:]
	}
	return fmt.Sprintf("%d.%s@%s", time.Now().UnixNano(), randomHex(8), domain)
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
