// Package router turns inbound updates into handler calls: slash commands,
// "plugin:action:payload" button callbacks and new-member notices.
//
// Work is sharded by chat id over a fixed set of workers, so updates from one
// chat are handled strictly in arrival order while different chats proceed in
// parallel.
package router

import (
	"context"
	"errors"
	"hash/fnv"
	"runtime"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	rtsup "mentionbot/internal/runtime/supervisor"
	kit "mentionbot/internal/transport"
	logx "mentionbot/pkg/logx"
	"mentionbot/pkg/tgui"
)

type Command struct {
	Name        string
	Aliases     []string
	Description string // empty keeps the command out of the menu
	Timeout     time.Duration
	Handle      HandlerFunc
}

type CallbackRoute struct {
	Plugin  string
	Action  string
	Timeout time.Duration
	Handle  HandlerFunc
}

// Request is one routed update.
type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	From    kit.User
	Command string   // command name, "cb:plugin:action" or "members_joined"
	Args    []string // command arguments
	Payload string   // callback payload
	ReqID   string
	Logger  logx.Logger
}

func (r *Request) logger(fallback logx.Logger) logx.Logger {
	if r != nil && !r.Logger.IsZero() {
		return r.Logger
	}
	return fallback
}

type registry struct {
	commands  map[string]*Command
	callbacks map[string]CallbackRoute // "plugin:action"
	onJoin    HandlerFunc
	menu      []kit.BotCommand
}

type Router struct {
	log         logx.Logger
	workers     int
	queue       int
	botUsername atomic.Value // string

	reg atomic.Pointer[registry]

	runMu  sync.Mutex
	shards []chan func()

	dropped atomic.Uint64
}

type Option func(*Router)

// WithWorkers sets the shard count (default: NumCPU, at least 2).
func WithWorkers(n int) Option { return func(r *Router) { r.workers = n } }

// WithQueue sets each shard's queue capacity (default 64).
func WithQueue(n int) Option { return func(r *Router) { r.queue = n } }

func New(log logx.Logger, opts ...Option) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{log: log, workers: max(runtime.NumCPU(), 2), queue: 64}
	for _, o := range opts {
		o(r)
	}
	if r.workers <= 0 {
		r.workers = 1
	}
	if r.queue <= 0 {
		r.queue = 1
	}
	r.botUsername.Store("")
	r.reg.Store(&registry{commands: map[string]*Command{}, callbacks: map[string]CallbackRoute{}})
	return r
}

// SetBotUsername makes the router ignore "/cmd@otherbot".
func (r *Router) SetBotUsername(name string) {
	r.botUsername.Store(strings.TrimPrefix(strings.TrimSpace(name), "@"))
}

// SetRegistry replaces the routing table. onJoin may be nil.
func (r *Router) SetRegistry(cmds []Command, cbs []CallbackRoute, onJoin HandlerFunc) {
	reg := &registry{
		commands:  map[string]*Command{},
		callbacks: map[string]CallbackRoute{},
		onJoin:    onJoin,
	}
	for i := range cmds {
		c := cmds[i]
		name := sanitizeTelegramCommand(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		reg.commands[name] = &c
		for _, a := range c.Aliases {
			if a = sanitizeTelegramCommand(a); a != "" {
				if _, exists := reg.commands[a]; !exists {
					reg.commands[a] = &c
				}
			}
		}
		if c.Description != "" {
			reg.menu = append(reg.menu, kit.BotCommand{Command: name, Description: c.Description})
		}
	}
	sort.SliceStable(reg.menu, func(i, j int) bool { return reg.menu[i].Command < reg.menu[j].Command })

	for _, cb := range cbs {
		p, a := strings.TrimSpace(cb.Plugin), strings.TrimSpace(cb.Action)
		if p == "" || a == "" || cb.Handle == nil {
			continue
		}
		reg.callbacks[p+":"+a] = cb
	}
	r.reg.Store(reg)
}

// Menu is the command list for the Telegram command menu.
func (r *Router) Menu() []kit.BotCommand {
	return append([]kit.BotCommand(nil), r.reg.Load().menu...)
}

// Run dispatches updates until ctx is done or updates is closed. Pending
// work gets a short grace period to finish.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx,
		rtsup.WithLogger(r.log.With(logx.String("comp", "telegram.router"))),
		rtsup.WithCancelOnError(false),
	)
	shards := make([]chan func(), r.workers)
	for i := range shards {
		shards[i] = make(chan func(), r.queue)
	}
	r.runMu.Lock()
	r.shards = shards
	r.runMu.Unlock()

	for idx, jobs := range shards {
		idx, jobs := idx, jobs
		sup.GoRestart("router.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-jobs:
					if !ok {
						return nil
					}
					r.runJob(idx, job)
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
			rtsup.WithStopOnCleanExit(true),
		)
	}
	r.log.Info("dispatcher started", logx.Int("workers", len(shards)), logx.Int("queue_cap", r.queue))

	defer func() {
		r.runMu.Lock()
		r.shards = nil
		r.runMu.Unlock()
		for _, ch := range shards {
			close(ch)
		}
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		sup.Cancel()
		r.log.Info("dispatcher stopped", logx.Uint64("dropped", r.dropped.Load()))
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.Route(ctx, up)
		}
	}
}

func (r *Router) runJob(worker int, job func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic in router job", logx.Int("worker", worker), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

// Route resolves up and queues the handler on its chat's shard.
func (r *Router) Route(ctx context.Context, up kit.Update) {
	reg := r.reg.Load()
	switch up.Kind {
	case kit.UpdateMessage:
		r.routeMessage(ctx, reg, up)
	case kit.UpdateCallback:
		r.routeCallback(ctx, reg, up)
	case kit.UpdateMembersJoined:
		r.routeJoined(ctx, reg, up)
	}
}

func (r *Router) routeMessage(ctx context.Context, reg *registry, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	bot, _ := r.botUsername.Load().(string)
	name, args, ok := splitCommand(msg.Text, bot)
	if !ok {
		return
	}
	cmd, ok := reg.commands[name]
	if !ok {
		return
	}
	req := r.newRequest(up, kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}, msg.From, cmd.Name)
	req.Args = args
	h := r.wrap(cmd.Handle, cmd.Timeout)
	if !r.enqueue(msg.ChatID, func() { _ = h(ctx, req) }) {
		req.Logger.Warn("request dropped (queue full)")
	}
}

func (r *Router) routeCallback(ctx context.Context, reg *registry, up kit.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	plugin, action, payload, ok := tgui.ParseData(cb.Data)
	if !ok {
		return
	}
	route, ok := reg.callbacks[plugin+":"+action]
	if !ok {
		r.log.Debug("unknown callback", logx.String("data", cb.Data))
		return
	}
	req := r.newRequest(up, kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID}, cb.From, "cb:"+plugin+":"+action)
	req.Payload = payload
	h := r.wrap(route.Handle, route.Timeout)
	if !r.enqueue(cb.ChatID, func() { _ = h(ctx, req) }) {
		req.Logger.Warn("callback dropped (queue full)")
	}
}

func (r *Router) routeJoined(ctx context.Context, reg *registry, up kit.Update) {
	j := up.Joined
	if j == nil || reg.onJoin == nil {
		return
	}
	var from kit.User
	if len(j.Users) > 0 {
		from = j.Users[0]
	}
	req := r.newRequest(up, kit.ChatTarget{ChatID: j.ChatID, ThreadID: j.ThreadID}, from, "members_joined")
	h := r.wrap(reg.onJoin, 0)
	if !r.enqueue(j.ChatID, func() { _ = h(ctx, req) }) {
		req.Logger.Warn("join notice dropped (queue full)")
	}
}

func (r *Router) newRequest(up kit.Update, chat kit.ChatTarget, from kit.User, command string) *Request {
	rid := newReqID()
	return &Request{
		Update:  up,
		Chat:    chat,
		From:    from,
		Command: command,
		ReqID:   rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", chat.ChatID),
			logx.Int64("from_id", from.ID),
			logx.String("cmd", command),
		),
	}
}

func (r *Router) wrap(h HandlerFunc, timeout time.Duration) HandlerFunc {
	return Chain(h,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(timeout),
	)
}

var (
	ErrNotRunning = errors.New("router: not running")
	ErrQueueFull  = errors.New("router: queue full")
)

// Submit runs fn on chat's worker, after every update of that chat already
// queued, and waits until it returns or ctx ends. name is the request's
// command label in logs.
func (r *Router) Submit(ctx context.Context, chat kit.ChatTarget, name string, fn HandlerFunc) error {
	req := r.newRequest(kit.Update{}, chat, kit.User{}, name)
	h := r.wrap(fn, 0)
	done := make(chan error, 1)
	if err := r.tryEnqueue(chat.ChatID, func() { done <- h(ctx, req) }); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue never blocks; a full shard drops the job.
func (r *Router) enqueue(chatID int64, job func()) bool {
	return r.tryEnqueue(chatID, job) == nil
}

func (r *Router) tryEnqueue(chatID int64, job func()) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if len(r.shards) == 0 {
		r.dropped.Add(1)
		return ErrNotRunning
	}
	select {
	case r.shards[shardFor(chatID, len(r.shards))] <- job:
		return nil
	default:
		r.dropped.Add(1)
		return ErrQueueFull
	}
}

func shardFor(chatID int64, n int) int {
	h := fnv.New32a()
	var b [8]byte
	for i := range b {
		b[i] = byte(chatID >> (8 * i))
	}
	_, _ = h.Write(b[:])
	return int(h.Sum32() % uint32(n))
}
