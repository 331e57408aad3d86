// Package optin handles the interaction prompt and everything that changes
// or reports a user's opt-in: the button press, /optout and /mention_stats.
package optin

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"mentionbot/internal/eventbus"
	"mentionbot/internal/ledger"
	"mentionbot/internal/runtime/supervisor"
	kit "mentionbot/internal/transport"
	logx "mentionbot/pkg/logx"
	"mentionbot/pkg/tgui"
)

// Plugin and ActionJoin form the prompt button's callback data "optin:join".
const (
	Plugin     = "optin"
	ActionJoin = "join"
)

const DefaultDeleteAfter = 10 * time.Second

// Client is the part of the transport the service talks to.
type Client interface {
	kit.Sender
	DeleteMessage(ctx context.Context, ref kit.MessageRef) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
	MemberCount(ctx context.Context, chatID int64) (int, error)
}

// Ledger is the subset of *ledger.Ledger the service mutates.
type Ledger interface {
	Record(ctx context.Context, chatID, userID int64, name string) (ledger.Outcome, error)
	Remove(ctx context.Context, chatID, userID int64) (bool, error)
	Count(chatID int64) int
}

type Config struct {
	PromptOnJoin bool
	// DeleteAfter removes the press reply after this long; 0 keeps it.
	DeleteAfter time.Duration
	Texts       Texts
}

type Service struct {
	client Client
	ledger Ledger
	sup    *supervisor.Supervisor
	log    logx.Logger
	bus    eventbus.Bus
	sleep  func(ctx context.Context, d time.Duration) error

	cfg atomic.Pointer[Config]
}

type Option func(*Service)

func WithLogger(l logx.Logger) Option { return func(s *Service) { s.log = l } }

func WithBus(b eventbus.Bus) Option { return func(s *Service) { s.bus = b } }

func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Service) { s.sleep = fn }
}

// New builds the service. Delayed deletions run on sup so shutdown cancels them.
func New(client Client, l Ledger, sup *supervisor.Supervisor, cfg Config, opts ...Option) *Service {
	s := &Service{
		client: client,
		ledger: l,
		sup:    sup,
		log:    logx.Nop(),
		bus:    eventbus.Nop(),
		sleep:  sleepCtx,
	}
	for _, o := range opts {
		o(s)
	}
	s.Apply(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	cfg.Texts = cfg.Texts.merged()
	if cfg.DeleteAfter < 0 {
		cfg.DeleteAfter = 0
	}
	s.cfg.Store(&cfg)
}

func (s *Service) Config() Config { return *s.cfg.Load() }

// ButtonData is the callback data carried by the prompt button.
func ButtonData() string { return tgui.Data(Plugin, ActionJoin, "") }

// Prompt sends the interaction prompt with its single opt-in button.
func (s *Service) Prompt(ctx context.Context, to kit.ChatTarget, replyTo int) error {
	cfg := s.Config()
	data := ButtonData()
	if err := tgui.CheckData(data); err != nil {
		return fmt.Errorf("prompt button: %w", err)
	}
	_, err := s.client.SendText(ctx, to, cfg.Texts.Prompt, &kit.SendOptions{
		ReplyTo:            replyTo,
		ReplyMarkupAdapter: tgui.SingleButton(cfg.Texts.Button, data),
	})
	if err != nil {
		return fmt.Errorf("send prompt: %w", err)
	}
	return nil
}

// MembersJoined prompts every newly joined human member, one prompt each.
// It does nothing unless PromptOnJoin is set.
func (s *Service) MembersJoined(ctx context.Context, j *kit.MembersJoined) error {
	if j == nil || !s.Config().PromptOnJoin {
		return nil
	}
	to := kit.ChatTarget{ChatID: j.ChatID, ThreadID: j.ThreadID}
	for _, u := range j.Users {
		if u.IsBot {
			continue
		}
		if err := s.Prompt(ctx, to, j.MessageID); err != nil {
			return err
		}
		s.log.Debug("prompted new member", logx.Int64("chat_id", j.ChatID), logx.Int64("user_id", u.ID))
	}
	return nil
}

// Press records the user behind a button press and replies to the prompt
// with the outcome. The callback is always answered; the reply is deleted
// after DeleteAfter.
func (s *Service) Press(ctx context.Context, cb *kit.Callback) error {
	if cb == nil {
		return nil
	}
	if err := s.client.AnswerCallback(ctx, cb.ID, ""); err != nil {
		s.log.Debug("answer callback failed", logx.String("callback_id", cb.ID), logx.Err(err))
	}

	cfg := s.Config()
	name := DisplayName(cb.From)
	to := kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID}
	log := s.log.With(logx.Int64("chat_id", cb.ChatID), logx.Int64("user_id", cb.From.ID))

	outcome, recErr := s.ledger.Record(ctx, cb.ChatID, cb.From.ID, name)
	var text string
	switch {
	case recErr != nil:
		text = cfg.Texts.SaveFailed
	case outcome == ledger.Added:
		text = fmt.Sprintf(cfg.Texts.Added, name)
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeOptInAdded, Data: eventbus.OptIn{ChatID: cb.ChatID, UserID: cb.From.ID, Name: name}})
		log.Info("user opted in")
	default:
		text = fmt.Sprintf(cfg.Texts.AlreadyPresent, name)
	}

	ref, err := s.client.SendText(ctx, to, text, &kit.SendOptions{ReplyTo: cb.MessageID})
	if err != nil {
		if recErr != nil {
			return fmt.Errorf("record opt-in: %w", recErr)
		}
		return fmt.Errorf("send opt-in reply: %w", err)
	}
	s.deleteLater(ref, cfg.DeleteAfter)

	if recErr != nil {
		return fmt.Errorf("record opt-in: %w", recErr)
	}
	return nil
}

// OptOut removes the sender of msg from the chat's roster.
func (s *Service) OptOut(ctx context.Context, msg *kit.Message) error {
	cfg := s.Config()
	name := DisplayName(msg.From)
	removed, err := s.ledger.Remove(ctx, msg.ChatID, msg.From.ID)
	if err != nil {
		_, _ = s.reply(ctx, msg, cfg.Texts.SaveFailed)
		return fmt.Errorf("remove opt-in: %w", err)
	}
	text := fmt.Sprintf(cfg.Texts.NotOptedIn, name)
	if removed {
		text = fmt.Sprintf(cfg.Texts.OptedOut, name)
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeOptInRemoved, Data: eventbus.OptIn{ChatID: msg.ChatID, UserID: msg.From.ID, Name: name}})
		s.log.Info("user opted out", logx.Int64("chat_id", msg.ChatID), logx.Int64("user_id", msg.From.ID))
	}
	_, err = s.reply(ctx, msg, text)
	return err
}

// Stats reports how many chat members have opted in. A member-count failure
// is logged and answered with a notice.
func (s *Service) Stats(ctx context.Context, msg *kit.Message) error {
	cfg := s.Config()
	count := s.ledger.Count(msg.ChatID)
	members, err := s.client.MemberCount(ctx, msg.ChatID)
	if err != nil {
		s.log.Warn("member count failed", logx.Int64("chat_id", msg.ChatID), logx.Err(err))
		_, err = s.reply(ctx, msg, cfg.Texts.StatsFailed)
		return err
	}
	_, err = s.reply(ctx, msg, fmt.Sprintf(cfg.Texts.Stats, count, members))
	return err
}

func (s *Service) reply(ctx context.Context, msg *kit.Message, text string) (kit.MessageRef, error) {
	to := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	return s.client.SendText(ctx, to, text, &kit.SendOptions{ReplyTo: msg.ID})
}

// deleteLater removes ref after d on a supervised goroutine. Failures are
// logged at debug and not retried.
func (s *Service) deleteLater(ref kit.MessageRef, d time.Duration) {
	if d <= 0 || ref.MessageID == 0 || s.sup == nil {
		return
	}
	s.sup.Go0("optin.delete_reply", func(ctx context.Context) {
		if err := s.sleep(ctx, d); err != nil {
			return
		}
		if err := s.client.DeleteMessage(ctx, ref); err != nil {
			s.log.Debug("delete reply failed", logx.Int64("chat_id", ref.ChatID), logx.Int("message_id", ref.MessageID), logx.Err(err))
		}
	})
}

// DisplayName is the name stored in the ledger: first name, then
// @username, then the numeric id.
func DisplayName(u kit.User) string {
	if n := u.DisplayName(); n != "" {
		return n
	}
	return strconv.FormatInt(u.ID, 10)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
