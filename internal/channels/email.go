package channels

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/osteele/liquid"

	"assistd/internal/notifier"
	"assistd/pkg/logx"
)

const (
	defaultSubjectTemplate = "{{ title }}"
	defaultBodyTemplate    = "{{ body }}"
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// To is used when a delivery carries no recipient.
	To              []string
	SubjectTemplate string
	BodyTemplate    string
}

// Message is a rendered email.
type Message struct {
	From    string
	To      []string
	Subject string
	Body    string
}

// SendMailFunc matches net/smtp.SendMail.
type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Mailer renders deliveries through liquid templates and sends them over SMTP.
type Mailer struct {
	cfg    SMTPConfig
	log    logx.Logger
	engine *liquid.Engine
	send   SendMailFunc
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]*liquid.Template
}

type MailerOption func(*Mailer)

// WithSendMail replaces the SMTP transport.
func WithSendMail(fn SendMailFunc) MailerOption { return func(m *Mailer) { m.send = fn } }

func NewMailer(cfg SMTPConfig, log logx.Logger, opts ...MailerOption) (*Mailer, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("smtp host is empty")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("smtp from address is empty")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.SubjectTemplate == "" {
		cfg.SubjectTemplate = defaultSubjectTemplate
	}
	if cfg.BodyTemplate == "" {
		cfg.BodyTemplate = defaultBodyTemplate
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Mailer{
		cfg:    cfg,
		log:    log,
		engine: liquid.NewEngine(),
		send:   smtp.SendMail,
		now:    time.Now,
		cache:  map[string]*liquid.Template{},
	}
	for _, o := range opts {
		o(m)
	}
	for _, src := range []string{cfg.SubjectTemplate, cfg.BodyTemplate} {
		if _, err := m.template(src); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Send implements notifier.Sender.
func (m *Mailer) Send(ctx context.Context, d notifier.Delivery) error {
	vars := map[string]any{
		"title":    d.Title,
		"body":     d.Body,
		"priority": d.Priority,
		"channel":  d.Channel,
		"id":       d.ID,
		"data":     d.Data,
	}
	subject, err := m.Render(m.cfg.SubjectTemplate, vars)
	if err != nil {
		return err
	}
	body, err := m.Render(m.cfg.BodyTemplate, vars)
	if err != nil {
		return err
	}
	var to []string
	if r := strings.TrimSpace(d.Recipient); r != "" {
		to = splitAddresses(r)
	}
	return m.SendMessage(ctx, Message{To: to, Subject: subject, Body: body})
}

// SendMessage sends an already rendered message. Empty To falls back to the configured list.
func (m *Mailer) SendMessage(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.From == "" {
		msg.From = m.cfg.From
	}
	if len(msg.To) == 0 {
		msg.To = m.cfg.To
	}
	if len(msg.To) == 0 {
		return errors.New("email has no recipients")
	}
	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	if err := m.send(addr, auth, msg.From, msg.To, m.compose(msg)); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	m.log.Debug("email sent", logx.Strings("to", msg.To), logx.String("subject", msg.Subject))
	return nil
}

// Render renders a liquid template string with vars.
func (m *Mailer) Render(src string, vars map[string]any) (string, error) {
	tpl, err := m.template(src)
	if err != nil {
		return "", err
	}
	out, rerr := tpl.RenderString(vars)
	if rerr != nil {
		return "", fmt.Errorf("render template: %w", rerr)
	}
	return out, nil
}

func (m *Mailer) template(src string) (*liquid.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tpl, ok := m.cache[src]; ok {
		return tpl, nil
	}
	tpl, err := m.engine.ParseString(src)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	m.cache[src] = tpl
	return tpl, nil
}

func (m *Mailer) compose(msg Message) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", msg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", sanitizeHeader(msg.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", m.now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	return b.Bytes()
}

func sanitizeHeader(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}

func splitAddresses(s string) []string {
	var out []string
	for _, p := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' }) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
