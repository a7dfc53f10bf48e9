package channels

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cast"
	tele "gopkg.in/telebot.v4"

	"assistd/internal/notifier"
	rtsup "assistd/internal/runtime/supervisor"
	"assistd/pkg/logx"
)

const telegramTextLimit = 4096

type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	// Poll enables long polling for inbound text from ChatID.
	Poll        bool
	PollTimeout time.Duration
}

// Inbound is a text message received from the owner chat.
type Inbound struct {
	ChatID   int64
	FromID   int64
	Username string
	Text     string
	At       time.Time
}

// Telegram is the push channel. It also implements logx.AlertSink.
type Telegram struct {
	cfg TelegramConfig
	log logx.Logger
	bot *tele.Bot

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	hMu     sync.RWMutex
	handler func(ctx context.Context, in Inbound)
	runCtx  context.Context
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: cfg.PollTimeout},
		Offline: !cfg.Poll,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	t := &Telegram{cfg: cfg, log: log, bot: b, runCtx: context.Background()}
	b.Handle(tele.OnText, t.onText)
	return t, nil
}

// OnMessage sets the callback for inbound owner messages.
func (t *Telegram) OnMessage(fn func(ctx context.Context, in Inbound)) {
	t.hMu.Lock()
	t.handler = fn
	t.hMu.Unlock()
}

func (t *Telegram) onText(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Chat == nil || m.Chat.ID != t.cfg.ChatID {
		return nil
	}
	t.hMu.RLock()
	fn, ctx := t.handler, t.runCtx
	t.hMu.RUnlock()
	if fn == nil {
		return nil
	}
	in := Inbound{ChatID: m.Chat.ID, Text: m.Text, At: m.Time()}
	if m.Sender != nil {
		in.FromID, in.Username = m.Sender.ID, m.Sender.Username
	}
	fn(ctx, in)
	return nil
}

// Start begins long polling when enabled. Sending works without it.
func (t *Telegram) Start(ctx context.Context) {
	if !t.cfg.Poll {
		return
	}
	t.runMu.Lock()
	if t.running {
		t.runMu.Unlock()
		return
	}
	t.running = true
	t.sup = rtsup.New(ctx,
		rtsup.WithLogger(t.log),
		rtsup.WithCancelOnError(false),
	)
	sup := t.sup
	t.runMu.Unlock()

	t.hMu.Lock()
	t.runCtx = sup.Context()
	t.hMu.Unlock()

	sup.Go("telebot.stop_on_cancel", func(c context.Context) error {
		<-c.Done()
		t.bot.Stop()
		return nil
	})
	// bot.Start blocks until Stop; restart it if it returns early.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		t.log.Info("polling started")
		t.bot.Start()
		t.log.Info("polling stopped")
		if c.Err() == nil {
			return errors.New("poller exited")
		}
		return nil
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
}

func (t *Telegram) Stop(ctx context.Context) {
	t.runMu.Lock()
	sup := t.sup
	t.sup = nil
	t.running = false
	t.runMu.Unlock()
	if sup == nil {
		return
	}
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Stop(wctx); err != nil && !errors.Is(err, context.Canceled) {
		t.log.Warn("telegram stop timed out", logx.Err(err))
	}
}

// Send implements notifier.Sender. Recipient may override the chat id.
func (t *Telegram) Send(ctx context.Context, d notifier.Delivery) error {
	chatID := t.cfg.ChatID
	if r := strings.TrimSpace(d.Recipient); r != "" {
		id, err := cast.ToInt64E(r)
		if err != nil {
			return fmt.Errorf("telegram recipient %q: %w", r, err)
		}
		chatID = id
	}
	if chatID == 0 {
		return errors.New("telegram chat id not configured")
	}
	return t.sendText(ctx, chatID, d.Text())
}

// Alert implements logx.AlertSink.
func (t *Telegram) Alert(ctx context.Context, text string) error {
	if t.cfg.ChatID == 0 {
		return nil
	}
	return t.sendText(ctx, t.cfg.ChatID, text)
}

func (t *Telegram) sendText(ctx context.Context, chatID int64, text string) error {
	chat := &tele.Chat{ID: chatID}
	opt := &tele.SendOptions{DisableWebPagePreview: true, ThreadID: t.cfg.ThreadID}
	for _, chunk := range splitText(text, telegramTextLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := t.bot.Send(chat, chunk, opt); err != nil {
			return err
		}
	}
	return nil
}

// splitText cuts s into chunks of at most limit runes, preferring a newline
// in the last two thirds of each window.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start+limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		if chunk := strings.TrimRight(string(rs[start:end]), "\n"); chunk != "" {
			out = append(out, chunk)
		}
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
