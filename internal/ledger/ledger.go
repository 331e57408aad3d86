package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	logx "mentionbot/pkg/logx"
)

// Mode decides how chats map to rosters.
type Mode int

const (
	// ModeChat keeps one roster per chat.
	ModeChat Mode = iota
	// ModeGlobal shares a single roster between every chat.
	ModeGlobal
)

// GlobalScope is the scope key used by ModeGlobal. Telegram never assigns chat id 0.
const GlobalScope int64 = 0

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "chat":
		return ModeChat, nil
	case "global":
		return ModeGlobal, nil
	default:
		return 0, fmt.Errorf("unknown ledger scope %q (want chat or global)", s)
	}
}

func (m Mode) String() string {
	if m == ModeGlobal {
		return "global"
	}
	return "chat"
}

// Outcome is the result of Record.
type Outcome int

const (
	Added Outcome = iota + 1
	AlreadyPresent
)

func (o Outcome) String() string {
	switch o {
	case Added:
		return "added"
	case AlreadyPresent:
		return "already_present"
	default:
		return "unknown"
	}
}

// Entry is one opted-in user.
type Entry struct {
	UserID int64
	Name   string
}

// Ledger is safe for concurrent use. Mutations persist the full ledger
// before returning.
type Ledger struct {
	mu      sync.Mutex
	mode    Mode
	store   Store
	log     logx.Logger
	rosters map[int64]*roster
	scopes  []int64 // roster keys in first-seen order
	closed  bool
}

// ErrClosed is returned by mutations after Close.
var ErrClosed = errors.New("ledger: closed")

// Open loads the ledger from store. A missing backing file yields an empty
// ledger. Malformed content is logged and the ledger starts empty; other
// read failures are returned.
func Open(ctx context.Context, store Store, mode Mode, log logx.Logger) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("ledger: store is nil")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	l := &Ledger{mode: mode, store: store, log: log, rosters: map[int64]*roster{}}

	snap, err := store.Load(ctx)
	switch {
	case errors.Is(err, ErrMalformed):
		log.Error("ledger content malformed; starting empty", logx.Err(err))
		return l, nil
	case err != nil:
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	l.restore(snap)
	if orphan := l.rosters[GlobalScope]; mode == ModeChat && orphan != nil {
		log.Warn("flat ledger loaded in chat scope; its entries belong to no chat and are rewritten under key 0 on the next save",
			logx.Int("entries", orphan.len()))
	}
	log.Info("ledger loaded", logx.String("scope", mode.String()), logx.Int("rosters", len(l.rosters)), logx.Int("entries", l.total()))
	return l, nil
}

func (l *Ledger) restore(snap Snapshot) {
	for _, r := range snap.Rosters {
		scope := l.scope(r.Scope)
		dst := l.rosters[scope]
		if dst == nil {
			dst = newRoster()
		}
		for _, e := range r.Entries {
			dst.put(e.UserID, e.Name)
		}
		if dst.len() > 0 && l.rosters[scope] == nil {
			l.addScope(scope, dst)
		}
	}
}

func (l *Ledger) Mode() Mode { return l.mode }

func (l *Ledger) scope(chatID int64) int64 {
	if l.mode == ModeGlobal {
		return GlobalScope
	}
	return chatID
}

// Record adds the user to the chat's roster. If the user is already there it
// reports AlreadyPresent and changes nothing. When persisting fails the
// insert is rolled back and the error returned.
func (l *Ledger) Record(ctx context.Context, chatID, userID int64, name string) (Outcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrClosed
	}
	scope := l.scope(chatID)
	r := l.rosters[scope]
	if r != nil && r.has(userID) {
		return AlreadyPresent, nil
	}
	if r == nil {
		r = newRoster()
		l.addScope(scope, r)
	}
	r.put(userID, name)

	if err := l.persistLocked(ctx); err != nil {
		r.remove(userID)
		if r.len() == 0 {
			l.dropScope(scope)
		}
		return 0, err
	}
	return Added, nil
}

// Remove drops the user from the chat's roster. It reports whether the user
// was present.
func (l *Ledger) Remove(ctx context.Context, chatID, userID int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false, ErrClosed
	}
	scope := l.scope(chatID)
	r := l.rosters[scope]
	if r == nil || !r.has(userID) {
		return false, nil
	}
	pos, name := r.remove(userID)
	dropped := r.len() == 0
	var scopeAt int
	if dropped {
		scopeAt = l.dropScope(scope)
	}
	if err := l.persistLocked(ctx); err != nil {
		if dropped {
			l.insertScope(scopeAt, scope, r)
		}
		r.insertAt(pos, userID, name)
		return false, err
	}
	return true, nil
}

// List returns the chat's entries in opt-in order. Unknown chats yield nil.
func (l *Ledger) List(chatID int64) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	r := l.rosters[l.scope(chatID)]
	if r == nil {
		return nil
	}
	return r.entries()
}

func (l *Ledger) Count(chatID int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r := l.rosters[l.scope(chatID)]; r != nil {
		return r.len()
	}
	return 0
}

// Scopes is the number of non-empty rosters.
func (l *Ledger) Scopes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rosters)
}

// Snapshot returns a copy of every roster, scopes in first-seen order.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// Persist writes the full ledger to the store, replacing prior contents.
func (l *Ledger) Persist(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.persistLocked(ctx)
}

func (l *Ledger) persistLocked(ctx context.Context) error {
	if l.closed {
		return ErrClosed
	}
	if err := l.store.Save(ctx, l.snapshotLocked()); err != nil {
		return fmt.Errorf("persist ledger: %w", err)
	}
	l.log.Debug("ledger saved", logx.Int("rosters", len(l.rosters)))
	return nil
}

func (l *Ledger) snapshotLocked() Snapshot {
	snap := Snapshot{Rosters: make([]Roster, 0, len(l.scopes))}
	for _, scope := range l.scopes {
		snap.Rosters = append(snap.Rosters, Roster{Scope: scope, Entries: l.rosters[scope].entries()})
	}
	return snap
}

func (l *Ledger) addScope(scope int64, r *roster) {
	l.rosters[scope] = r
	l.scopes = append(l.scopes, scope)
}

func (l *Ledger) insertScope(pos int, scope int64, r *roster) {
	l.rosters[scope] = r
	l.scopes = insertAt(l.scopes, pos, scope)
}

// dropScope removes an empty roster and returns its former position.
func (l *Ledger) dropScope(scope int64) int {
	delete(l.rosters, scope)
	for i, s := range l.scopes {
		if s == scope {
			l.scopes = append(l.scopes[:i], l.scopes[i+1:]...)
			return i
		}
	}
	return len(l.scopes)
}

func (l *Ledger) total() int {
	n := 0
	for _, r := range l.rosters {
		n += r.len()
	}
	return n
}

// Close closes the underlying store. Later mutations fail with ErrClosed.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.store.Close()
}

// roster is an insertion-ordered user id -> name map.
type roster struct {
	order []int64
	names map[int64]string
}

func newRoster() *roster { return &roster{names: map[int64]string{}} }

func (r *roster) len() int { return len(r.order) }

func (r *roster) has(id int64) bool {
	_, ok := r.names[id]
	return ok
}

// put inserts id at the end, or updates the name in place if present.
func (r *roster) put(id int64, name string) {
	if _, ok := r.names[id]; !ok {
		r.order = append(r.order, id)
	}
	r.names[id] = name
}

func (r *roster) remove(id int64) (pos int, name string) {
	name = r.names[id]
	delete(r.names, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return i, name
		}
	}
	return -1, name
}

func (r *roster) insertAt(pos int, id int64, name string) {
	r.order = insertAt(r.order, pos, id)
	r.names[id] = name
}

func insertAt(s []int64, pos int, v int64) []int64 {
	if pos < 0 || pos > len(s) {
		pos = len(s)
	}
	s = append(s, 0)
	copy(s[pos+1:], s[pos:])
	s[pos] = v
	return s
}

func (r *roster) entries() []Entry {
	out := make([]Entry, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, Entry{UserID: id, Name: r.names[id]})
	}
	return out
}
