package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "mentionbot/internal/transport"
)

// telegramSink is a zerolog.LevelWriter that forwards lines to a chat.
// Writes never block: lines are queued and dropped when the queue is full or
// the limiter says no.
type telegramSink struct {
	sender kit.Sender

	mu       sync.Mutex
	target   kit.ChatTarget
	minLevel zerolog.Level
	limiter  *rate.Limiter

	queue  chan telegramLine
	once   sync.Once
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type telegramLine struct {
	to   kit.ChatTarget
	text string
}

func newTelegramSink(sender kit.Sender) *telegramSink {
	return &telegramSink{
		sender:   sender,
		minLevel: zerolog.WarnLevel,
		limiter:  rate.NewLimiter(1, 1),
		queue:    make(chan telegramLine, 256),
	}
}

func (t *telegramSink) setTarget(chatID int64, threadID int) {
	t.mu.Lock()
	t.target.ChatID = chatID
	if threadID != 0 {
		t.target.ThreadID = threadID
	}
	t.mu.Unlock()
}

func (t *telegramSink) apply(cfg TelegramConfig) {
	rps := cfg.RatePerSec
	if rps < 1 {
		rps = 1
	}
	t.mu.Lock()
	t.minLevel = ParseLevel(cfg.MinLevel, zerolog.WarnLevel)
	t.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if cfg.ThreadID != 0 {
		t.target.ThreadID = cfg.ThreadID
	}
	chatID := t.target.ChatID
	t.mu.Unlock()

	if !cfg.Enabled {
		return
	}
	if chatID == 0 {
		fmt.Fprintln(Stderr(), "logx: telegram logging enabled but telegram.group_log is not set")
	}
	t.once.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		t.cancel = cancel
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.run(ctx)
		}()
	})
}

func (t *telegramSink) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ln := <-t.queue:
			if t.sender != nil {
				_, _ = t.sender.SendText(ctx, ln.to, ln.text, &kit.SendOptions{DisablePreview: true})
			}
		}
	}
}

func (t *telegramSink) close() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		t.wg.Wait()
	}
}

func (t *telegramSink) Write(p []byte) (int, error) {
	return t.WriteLevel(zerolog.InfoLevel, p)
}

func (t *telegramSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	t.mu.Lock()
	to := t.target
	lim := t.limiter
	minLevel := t.minLevel
	t.mu.Unlock()

	if to.ChatID == 0 || t.sender == nil || level < minLevel || !lim.Allow() {
		return len(p), nil
	}
	text := renderTelegramLine(p)
	if text == "" {
		return len(p), nil
	}
	select {
	case t.queue <- telegramLine{to: to, text: text}:
	default:
	}
	return len(p), nil
}

// renderTelegramLine turns a zerolog JSON line into "[LEVEL] msg\n- k=v".
func renderTelegramLine(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), 3500)
	}
	var b strings.Builder
	if lvl, _ := m["level"].(string); lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	msg, _ := m["message"].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("\n- " + k + "=")
		b.WriteString(truncate(fmt.Sprint(m[k]), 600))
	}
	return truncate(b.String(), 3500)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
