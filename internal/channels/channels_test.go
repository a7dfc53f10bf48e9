package channels

import (
	"context"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assistd/internal/eventbus"
	"assistd/internal/notifier"
	"assistd/pkg/logx"
)

func TestSplitText(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitText("short", 10))

	long := strings.Repeat("a", 25)
	chunks := splitText(long, 10)
	require.Len(t, chunks, 3)
	assert.Equal(t, "aaaaaaaaaa", chunks[0])
	assert.Equal(t, "aaaaa", chunks[2])

	lines := "line one\nline two\nline three"
	chunks = splitText(lines, 12)
	assert.Equal(t, []string{"line one", "line two", "line three"}, chunks)

	// multi-byte runes count once
	chunks = splitText(strings.Repeat("é", 9), 4)
	assert.Equal(t, []string{"éééé", "éééé", "é"}, chunks)
}

type sentMail struct {
	addr string
	from string
	to   []string
	msg  string
	auth bool
}

func TestMailerRendersTemplates(t *testing.T) {
	var got sentMail
	m, err := NewMailer(SMTPConfig{
		Host:            "mail.local",
		Username:        "bot",
		Password:        "secret",
		From:            "bot@local",
		To:              []string{"me@local"},
		SubjectTemplate: "[{{ priority | upcase }}] {{ title }}",
		BodyTemplate:    "{{ body }}{% if data.where %}\nat {{ data.where }}{% endif %}",
	}, logx.Nop(), WithSendMail(func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		got = sentMail{addr: addr, from: from, to: to, msg: string(msg), auth: a != nil}
		return nil
	}))
	require.NoError(t, err)

	err = m.Send(context.Background(), notifier.Delivery{
		ID:       "n1",
		Priority: "high",
		Title:    "Meeting moved",
		Body:     "Now at 3pm",
		Data:     map[string]any{"where": "Room 4"},
	})
	require.NoError(t, err)
	assert.Equal(t, "mail.local:587", got.addr)
	assert.Equal(t, "bot@local", got.from)
	assert.Equal(t, []string{"me@local"}, got.to)
	assert.True(t, got.auth)
	assert.Contains(t, got.msg, "Subject: [HIGH] Meeting moved\r\n")
	assert.Contains(t, got.msg, "Now at 3pm\r\nat Room 4")

	require.NoError(t, m.Send(context.Background(), notifier.Delivery{Title: "x", Recipient: "a@x; b@x"}))
	assert.Equal(t, []string{"a@x", "b@x"}, got.to)
}

func TestMailerValidation(t *testing.T) {
	_, err := NewMailer(SMTPConfig{From: "a@b"}, logx.Nop())
	require.Error(t, err)
	_, err = NewMailer(SMTPConfig{Host: "h"}, logx.Nop())
	require.Error(t, err)
	_, err = NewMailer(SMTPConfig{Host: "h", From: "a@b", BodyTemplate: "{% if x %}never closed"}, logx.Nop())
	require.Error(t, err)

	m, err := NewMailer(SMTPConfig{Host: "h", From: "a@b"}, logx.Nop(), WithSendMail(func(string, smtp.Auth, string, []string, []byte) error {
		return nil
	}))
	require.NoError(t, err)
	require.Error(t, m.Send(context.Background(), notifier.Delivery{Title: "nobody to send to"}))
}

func TestInbox(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()
	in := NewInbox(2, bus)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, in.Send(ctx, notifier.Delivery{ID: id, Title: id, Created: time.Now()}))
	}
	list := in.List(false)
	require.Len(t, list, 2)
	assert.Equal(t, "c", list[0].ID)
	assert.Equal(t, "b", list[1].ID)
	assert.Equal(t, 2, in.Unread())

	assert.True(t, in.MarkRead("b"))
	assert.False(t, in.MarkRead("a"))
	assert.Len(t, in.List(true), 1)

	ev := <-events
	assert.Equal(t, eventbus.InboxReceived, ev.Type)
}
