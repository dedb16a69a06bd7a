package provider

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message/mail"
)

// BuildMIME encodes msg as an RFC 5322 message. When both bodies are set the
// result is multipart/alternative with the plain-text part first.
func BuildMIME(msg *Message) ([]byte, error) {
	from, err := mail.ParseAddress(msg.From)
	if err != nil {
		return nil, fmt.Errorf("parse from address: %w", err)
	}

	to := make([]*mail.Address, 0, len(msg.To))
	for _, rcpt := range msg.To {
		addr, err := mail.ParseAddress(rcpt)
		if err != nil {
			return nil, fmt.Errorf("parse recipient %q: %w", rcpt, err)
		}
		to = append(to, addr)
	}

	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{from})
	h.SetAddressList("To", to)
	h.SetSubject(msg.Subject)
	if msg.ID != "" {
		h.SetMessageID(msg.ID + "@" + domainOf(from.Address))
	}
	for k, v := range msg.Headers {
		h.Set(k, v)
	}

	var buf bytes.Buffer
	if msg.HTMLBody == "" {
		h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		w, err := mail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			return nil, fmt.Errorf("create message: %w", err)
		}
		if _, err := io.WriteString(w, msg.TextBody); err != nil {
			return nil, fmt.Errorf("write text body: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("close message: %w", err)
		}
		return buf.Bytes(), nil
	}

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	iw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create alternative: %w", err)
	}
	if err := writePart(iw, "text/plain", msg.TextBody); err != nil {
		return nil, err
	}
	if err := writePart(iw, "text/html", msg.HTMLBody); err != nil {
		return nil, err
	}
	if err := iw.Close(); err != nil {
		return nil, fmt.Errorf("close alternative: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close message: %w", err)
	}

	return buf.Bytes(), nil
}

func writePart(iw *mail.InlineWriter, contentType, body string) error {
	var ph mail.InlineHeader
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	w, err := iw.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return fmt.Errorf("write %s part: %w", contentType, err)
	}
	return w.Close()
}

func domainOf(addr string) string {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == '@' {
			return addr[i+1:]
		}
	}
	return "localhost"
}

// preview encodes msg for the development sinks, falling back to a bare
// header dump when the addresses do not parse.
func preview(msg *Message) []byte {
	data, err := BuildMIME(msg)
	if err != nil {
		var b bytes.Buffer
		fmt.Fprintf(&b, "From: %s\nTo: %v\nSubject: %s\n\n%s", msg.From, msg.To, msg.Subject, msg.TextBody)
		return b.Bytes()
	}
	return data
}
