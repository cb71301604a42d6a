// Package mailpoll polls an IMAP4 mailbox for a verification email, built
// directly on net/textproto and crypto/tls. No IMAP client library appears
// anywhere in the retrieval pack, so this speaks the protocol directly —
// the same idiom stdlib's net/smtp takes for SMTP.
package mailpoll

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/textproto"
	"strings"
	"time"
)

// IMAPPoller checks an IMAP4 mailbox for a message matching a subject
// substring, extracting a verification code or link from its body.
type IMAPPoller struct {
	addr     string
	username string
	password string
	mailbox  string
}

// New builds a poller for one mailbox. addr is "host:port" of the IMAP4
// server (implicit TLS).
func New(addr, username, password, mailbox string) *IMAPPoller {
	if mailbox == "" {
		mailbox = "INBOX"
	}
	return &IMAPPoller{addr: addr, username: username, password: password, mailbox: mailbox}
}

// ErrTimeout is returned when no matching message arrives within the poll
// window.
var ErrTimeout = fmt.Errorf("mailpoll: timed out waiting for verification email")

// PollForCode polls up to timeout at the given interval for the newest
// unseen message whose subject (or body text) contains subjectContains,
// extracting a code with extract from the subject line and body text. Matches spec section 4.7's "await email verification via IMAP
// polling" step.
func (p *IMAPPoller) PollForCode(ctx context.Context, subjectContains string, timeout, interval time.Duration, extract func(body string) (string, bool)) (string, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		code, found, err := p.checkOnce(ctx, subjectContains, extract)
		if err != nil {
			return "", err
		}
		if found {
			return code, nil
		}
		if time.Now().After(deadline) {
			return "", ErrTimeout
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *IMAPPoller) checkOnce(ctx context.Context, subjectContains string, extract func(string) (string, bool)) (string, bool, error) {
	conn, err := tls.Dial("tcp", p.addr, &tls.Config{ServerName: hostOf(p.addr)})
	if err != nil {
		return "", false, fmt.Errorf("mailpoll: dial: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	text := textproto.NewConn(conn)
	defer text.Close()

	if _, err := text.ReadLine(); err != nil {
		return "", false, fmt.Errorf("mailpoll: read greeting: %w", err)
	}

	if err := p.command(text, fmt.Sprintf(`a1 LOGIN %s %s`, quote(p.username), quote(p.password))); err != nil {
		return "", false, fmt.Errorf("mailpoll: login: %w", err)
	}
	if err := p.command(text, fmt.Sprintf(`a2 SELECT %s`, quote(p.mailbox))); err != nil {
		return "", false, fmt.Errorf("mailpoll: select mailbox: %w", err)
	}
	uids, err := p.searchUnseen(text)
	if err != nil {
		return "", false, err
	}
	for i := len(uids) - 1; i >= 0; i-- {
		body, err := p.fetchBody(text, uids[i])
		if err != nil {
			continue
		}
		if subjectContains != "" && !strings.Contains(body, subjectContains) {
			continue
		}
		if code, ok := extract(body); ok {
			_ = p.command(text, "a9 LOGOUT")
			return code, true, nil
		}
	}
	_ = p.command(text, "a9 LOGOUT")
	return "", false, nil
}

func (p *IMAPPoller) command(text *textproto.Conn, cmd string) error {
	id, err := text.Cmd("%s", cmd)
	if err != nil {
		return err
	}
	text.StartResponse(id)
	defer text.EndResponse(id)
	for {
		line, err := text.ReadLine()
		if err != nil {
			return err
		}
		if strings.HasPrefix(line, strings.Fields(cmd)[0]+" ") {
			if !strings.Contains(line, "OK") {
				return fmt.Errorf("imap command failed: %s", line)
			}
			return nil
		}
	}
}

func (p *IMAPPoller) searchUnseen(text *textproto.Conn) ([]string, error) {
	id, err := text.Cmd("a3 SEARCH UNSEEN")
	if err != nil {
		return nil, err
	}
	text.StartResponse(id)
	defer text.EndResponse(id)
	var uids []string
	for {
		line, err := text.ReadLine()
		if err != nil {
			return nil, err
		}
		if strings.HasPrefix(line, "* SEARCH") {
			uids = strings.Fields(strings.TrimPrefix(line, "* SEARCH"))
			continue
		}
		if strings.HasPrefix(line, "a3 ") {
			break
		}
	}
	return uids, nil
}

func (p *IMAPPoller) fetchBody(text *textproto.Conn, uid string) (string, error) {
	id, err := text.Cmd("a4 FETCH %s (BODY[HEADER.FIELDS (SUBJECT)] BODY[TEXT])", uid)
	if err != nil {
		return "", err
	}
	text.StartResponse(id)
	defer text.EndResponse(id)
	var body strings.Builder
	for {
		line, err := text.ReadLine()
		if err != nil {
			return "", err
		}
		if strings.HasPrefix(line, "a4 ") {
			break
		}
		body.WriteString(line)
		body.WriteString("\n")
	}
	return body.String(), nil
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

func hostOf(addr string) string {
	host, _, ok := strings.Cut(addr, ":")
	if !ok {
		return addr
	}
	return host
}
