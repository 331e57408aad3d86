// Package mention broadcasts HTML mentions of every opted-in user of a chat,
// a few users per message, paced to stay under Telegram flood control.
package mention

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"mentionbot/internal/eventbus"
	"mentionbot/internal/ledger"
	kit "mentionbot/internal/transport"
	logx "mentionbot/pkg/logx"
	"mentionbot/pkg/tgui"
)

// ErrRetryExhausted wraps the failure of the single resend allowed after a
// rate-limit rejection.
var ErrRetryExhausted = errors.New("mention: resend after rate limit failed")

// RetryPolicy decides what a failed resend does to the rest of the broadcast.
type RetryPolicy string

const (
	// RetryContinue counts the batch as failed and moves on.
	RetryContinue RetryPolicy = "continue"
	// RetryAbort stops the broadcast and returns the error.
	RetryAbort RetryPolicy = "abort"
)

func ParseRetryPolicy(s string) (RetryPolicy, error) {
	switch RetryPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", RetryContinue:
		return RetryContinue, nil
	case RetryAbort:
		return RetryAbort, nil
	default:
		return "", fmt.Errorf("unknown on_retry_failure %q (want continue or abort)", s)
	}
}

const (
	DefaultBatchSize = 5
	DefaultPace      = time.Second
)

type Texts struct {
	GroupOnly string
	Empty     string
	LeadIn    string
}

func DefaultTexts() Texts {
	return Texts{
		GroupOnly: "Ця команда працює лише в групах.",
		Empty:     "Жоден користувач ще не взаємодіяв із ботом.",
		LeadIn:    "Увага: ",
	}
}

type Config struct {
	BatchSize      int
	Pace           time.Duration
	OnRetryFailure RetryPolicy
	Texts          Texts
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Pace < 0 {
		c.Pace = 0
	}
	if c.OnRetryFailure == "" {
		c.OnRetryFailure = RetryContinue
	}
	def := DefaultTexts()
	if c.Texts.GroupOnly == "" {
		c.Texts.GroupOnly = def.GroupOnly
	}
	if c.Texts.Empty == "" {
		c.Texts.Empty = def.Empty
	}
	if c.Texts.LeadIn == "" {
		c.Texts.LeadIn = def.LeadIn
	}
	return c
}

// Roster is the read side of the ledger.
type Roster interface {
	List(chatID int64) []ledger.Entry
}

// Request describes one broadcast.
type Request struct {
	Chat    kit.ChatTarget
	Private bool
	// ReplyTo is the triggering message; 0 sends plain messages.
	ReplyTo int
	// Trigger labels the origin in logs and events (command, schedule).
	Trigger string
}

type Report struct {
	RunID     string
	ChatID    int64
	Rejected  bool
	Empty     bool
	Batches   int
	Sent      int
	Failed    int
	Mentioned int
}

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

type Broadcaster struct {
	sender kit.Sender
	roster Roster
	log    logx.Logger
	bus    eventbus.Bus
	sleep  SleepFunc

	cfg atomic.Pointer[Config]
}

type Option func(*Broadcaster)

func WithLogger(l logx.Logger) Option { return func(b *Broadcaster) { b.log = l } }

func WithBus(bus eventbus.Bus) Option { return func(b *Broadcaster) { b.bus = bus } }

func WithSleep(fn SleepFunc) Option { return func(b *Broadcaster) { b.sleep = fn } }

func New(sender kit.Sender, roster Roster, cfg Config, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		sender: sender,
		roster: roster,
		log:    logx.Nop(),
		bus:    eventbus.Nop(),
		sleep:  sleepCtx,
	}
	for _, o := range opts {
		o(b)
	}
	b.Apply(cfg)
	return b
}

// Apply swaps the configuration; running broadcasts keep the one they started with.
func (b *Broadcaster) Apply(cfg Config) {
	c := cfg.withDefaults()
	b.cfg.Store(&c)
}

func (b *Broadcaster) Config() Config { return *b.cfg.Load() }

// Broadcast mentions every opted-in user of req.Chat in batches. A private
// chat gets a single rejection notice and an empty roster a single notice.
// A non rate-limit send error stops the broadcast and is returned together
// with the partial report.
func (b *Broadcaster) Broadcast(ctx context.Context, req Request) (rep Report, err error) {
	cfg := b.Config()
	rep = Report{RunID: uuid.NewString(), ChatID: req.Chat.ChatID}
	log := b.log.With(
		logx.String("run_id", rep.RunID),
		logx.Int64("chat_id", req.Chat.ChatID),
		logx.String("trigger", req.Trigger),
	)
	start := time.Now()
	defer func() { b.finish(log, req, rep, err, time.Since(start)) }()

	opt := &kit.SendOptions{ParseMode: tgui.ParseModeHTML, DisablePreview: true, ReplyTo: req.ReplyTo}

	if req.Private {
		rep.Rejected = true
		_, err = b.sender.SendText(ctx, req.Chat, tgui.Esc(cfg.Texts.GroupOnly).String(), opt)
		return rep, err
	}

	entries := b.roster.List(req.Chat.ChatID)
	if len(entries) == 0 {
		rep.Empty = true
		_, err = b.sender.SendText(ctx, req.Chat, tgui.Esc(cfg.Texts.Empty).String(), opt)
		return rep, err
	}

	batches := Batches(Tokens(entries), cfg.BatchSize)
	rep.Batches = len(batches)
	leadIn := tgui.Esc(cfg.Texts.LeadIn).String()

	for i, batch := range batches {
		text := leadIn + tgui.JoinH(", ", batch...).String()
		blog := log.With(logx.Int("batch", i+1), logx.Int("of", len(batches)))

		_, sendErr := b.sender.SendText(ctx, req.Chat, text, opt)
		if sendErr == nil {
			rep.Sent++
			rep.Mentioned += len(batch)
			if i < len(batches)-1 {
				if err = b.sleep(ctx, cfg.Pace); err != nil {
					return rep, err
				}
			}
			continue
		}

		delay, limited := kit.RetryDelay(sendErr)
		if !limited {
			rep.Failed++
			return rep, fmt.Errorf("send batch %d/%d: %w", i+1, len(batches), sendErr)
		}

		blog.Warn("flood control; retrying after server delay", logx.Duration("retry_after", delay))
		if err = b.sleep(ctx, delay); err != nil {
			return rep, err
		}
		if _, sendErr = b.sender.SendText(ctx, req.Chat, text, opt); sendErr == nil {
			rep.Sent++
			rep.Mentioned += len(batch)
			continue
		}

		rep.Failed++
		resendErr := fmt.Errorf("batch %d/%d: %w: %w", i+1, len(batches), ErrRetryExhausted, sendErr)
		if cfg.OnRetryFailure == RetryAbort {
			return rep, resendErr
		}
		blog.Error("batch dropped", logx.Err(resendErr))
	}
	return rep, nil
}

func (b *Broadcaster) finish(log logx.Logger, req Request, rep Report, err error, took time.Duration) {
	ev := eventbus.BroadcastFinished{
		RunID:     rep.RunID,
		ChatID:    rep.ChatID,
		Trigger:   req.Trigger,
		Batches:   rep.Batches,
		Sent:      rep.Sent,
		Failed:    rep.Failed,
		Mentioned: rep.Mentioned,
		Took:      took,
	}
	fields := []logx.Field{
		logx.Int("batches", rep.Batches),
		logx.Int("sent", rep.Sent),
		logx.Int("failed", rep.Failed),
		logx.Int("mentioned", rep.Mentioned),
		logx.Duration("took", took),
	}
	switch {
	case err != nil:
		ev.Err = err.Error()
		log.Warn("broadcast failed", append(fields, logx.Err(err))...)
	case rep.Rejected:
		log.Info("broadcast rejected in private chat")
	case rep.Empty:
		log.Info("broadcast skipped: no opted-in users")
	default:
		log.Info("broadcast done", fields...)
	}
	b.bus.Publish(eventbus.Event{Type: eventbus.TypeBroadcastFinished, Data: ev})
}

// Tokens renders one HTML mention per entry, in order.
func Tokens(entries []ledger.Entry) []tgui.H {
	out := make([]tgui.H, 0, len(entries))
	for _, e := range entries {
		out = append(out, tgui.Mention(e.Name, e.UserID))
	}
	return out
}

// Batches splits tokens, in order, into groups of at most size.
func Batches(tokens []tgui.H, size int) [][]tgui.H {
	if size <= 0 {
		size = DefaultBatchSize
	}
	var out [][]tgui.H
	for len(tokens) > 0 {
		n := min(size, len(tokens))
		out = append(out, tokens[:n:n])
		tokens = tokens[n:]
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
