package mailer

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net"
	"net/mail"
	"net/textproto"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/sensiblebit/passkit/internal/config"
	"github.com/sensiblebit/passkit/internal/passerr"
)

type received struct {
	from string
	to   string
	data []byte
}

// fakeRelay runs a minimal SMTP server for one session and sends what it
// received on the returned channel.
func fakeRelay(t *testing.T) (string, int, <-chan received) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	out := make(chan received, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		tp := textproto.NewConn(conn)
		var msg received
		_ = tp.PrintfLine("220 fake ESMTP")
		for {
			line, err := tp.ReadLine()
			if err != nil {
				return
			}
			verb := strings.ToUpper(strings.SplitN(line, " ", 2)[0])
			switch verb {
			case "EHLO", "HELO":
				_ = tp.PrintfLine("250-fake")
				_ = tp.PrintfLine("250 8BITMIME")
			case "MAIL":
				msg.from = line
				_ = tp.PrintfLine("250 ok")
			case "RCPT":
				msg.to = line
				_ = tp.PrintfLine("250 ok")
			case "DATA":
				_ = tp.PrintfLine("354 go ahead")
				data, err := tp.ReadDotBytes()
				if err != nil {
					return
				}
				msg.data = data
				_ = tp.PrintfLine("250 queued")
			case "QUIT":
				_ = tp.PrintfLine("221 bye")
				out <- msg
				return
			default:
				_ = tp.PrintfLine("502 unsupported")
			}
		}
	}()

	host, port, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		t.Fatal(err)
	}
	return host, p, out
}

func testSMTPConfig(host string, port int) config.SMTP {
	return config.SMTP{
		Host:    host,
		Port:    port,
		From:    "Klub Osmijeha <wallet@example.com>",
		Subject: "Vaša loyalty kartica je spremna!",
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSend_DeliversAttachment(t *testing.T) {
	t.Parallel()
	host, port, out := fakeRelay(t)
	s := New(testSMTPConfig(host, port), "Klub Osmijeha", discardLogger(), WithoutTLS())

	archive := bytes.Repeat([]byte("PK\x03\x04pass"), 100)
	err := s.Send(context.Background(), Message{
		To:          "ana@example.com",
		FullName:    "Ana <Anić>",
		Serial:      "KOS-1234",
		Archive:     archive,
		DownloadURL: "https://wallet.example.com/download/KOS-1234.pkpass",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	var got received
	select {
	case got = <-out:
	case <-time.After(5 * time.Second):
		t.Fatal("relay received nothing")
	}
	if !strings.Contains(got.from, "<wallet@example.com>") || !strings.Contains(got.to, "<ana@example.com>") {
		t.Errorf("envelope = %q / %q", got.from, got.to)
	}

	msg, err := mail.ReadMessage(bytes.NewReader(got.data))
	if err != nil {
		t.Fatalf("parsing message: %v", err)
	}
	subject, err := new(mime.WordDecoder).DecodeHeader(msg.Header.Get("Subject"))
	if err != nil || subject != "Vaša loyalty kartica je spremna!" {
		t.Errorf("subject = %q, %v", subject, err)
	}
	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/mixed" {
		t.Fatalf("content type = %q, %v", mediaType, err)
	}

	mr := multipart.NewReader(msg.Body, params["boundary"])
	var sawHTML, sawAttachment bool
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		raw, err := io.ReadAll(part)
		if err != nil {
			t.Fatal(err)
		}
		decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(string(raw), "\r\n", ""))
		if err != nil {
			t.Fatalf("part is not base64: %v", err)
		}
		ct, _, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
		switch ct {
		case "text/html":
			sawHTML = true
			body := string(decoded)
			if !strings.Contains(body, "Ana &lt;Anić&gt;") {
				t.Errorf("name not escaped in body: %s", body)
			}
			if !strings.Contains(body, "KOS-1234.pkpass") {
				t.Error("download link missing")
			}
		case PassContentType:
			sawAttachment = true
			if part.FileName() != "KOS-1234.pkpass" {
				t.Errorf("filename = %q", part.FileName())
			}
			if !bytes.Equal(decoded, archive) {
				t.Error("attachment does not round-trip")
			}
		}
	}
	if !sawHTML || !sawAttachment {
		t.Errorf("html=%v attachment=%v", sawHTML, sawAttachment)
	}
}

func TestSend_Failures(t *testing.T) {
	// WHY: Every mail failure surfaces as delivery_failure so issuance can
	// report it without discarding the archive.
	t.Parallel()

	closedPort := func(t *testing.T) (string, int) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		addr := ln.Addr().(*net.TCPAddr)
		_ = ln.Close()
		return "127.0.0.1", addr.Port
	}

	tests := []struct {
		name    string
		sender  func(t *testing.T) *SMTP
		wantErr string
	}{
		{
			name: "not configured",
			sender: func(t *testing.T) *SMTP {
				return New(config.SMTP{}, "Klub", discardLogger())
			},
			wantErr: "required",
		},
		{
			name: "STARTTLS required",
			sender: func(t *testing.T) *SMTP {
				host, port, _ := fakeRelay(t)
				return New(testSMTPConfig(host, port), "Klub", discardLogger())
			},
			wantErr: "does not offer STARTTLS",
		},
		{
			name: "connection refused",
			sender: func(t *testing.T) *SMTP {
				host, port := closedPort(t)
				return New(testSMTPConfig(host, port), "Klub", discardLogger(), WithoutTLS())
			},
			wantErr: "connecting",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.sender(t).Send(context.Background(), Message{To: "ana@example.com", Serial: "KOS-1", Archive: []byte("x")})
			if !passerr.Is(err, passerr.KindDelivery) {
				t.Fatalf("error = %v, want delivery_failure", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestWriteBase64Lines(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := writeBase64Lines(&buf, bytes.Repeat([]byte{0xff}, 200)); err != nil {
		t.Fatal(err)
	}
	for _, line := range strings.Split(strings.TrimSuffix(buf.String(), "\r\n"), "\r\n") {
		if len(line) > base64LineLength {
			t.Errorf("line of %d chars", len(line))
		}
	}
}
