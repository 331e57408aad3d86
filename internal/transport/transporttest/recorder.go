// Package transporttest provides an in-memory transport.Adapter for tests.
package transporttest

import (
	"context"
	"errors"
	"sync"

	kit "mentionbot/internal/transport"
)

// Sent is one recorded SendText call.
type Sent struct {
	To   kit.ChatTarget
	Text string
	Opt  kit.SendOptions
	Ref  kit.MessageRef
}

// Recorder records outbound calls. SendErrs is consumed in order: the n-th
// SendText call fails with SendErrs[n] when it is non-nil.
type Recorder struct {
	mu sync.Mutex

	SendErrs    []error
	DeleteErr   error
	Members     int
	MembersErr  error
	nextID      int
	calls       int
	sent        []Sent
	deleted     []kit.MessageRef
	answered    []string
	deliverToCh chan<- kit.Update
}

var _ kit.Adapter = (*Recorder)(nil)

func New() *Recorder { return &Recorder{nextID: 100} }

func (r *Recorder) Start(ctx context.Context, out chan<- kit.Update) error {
	r.mu.Lock()
	r.deliverToCh = out
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Stop(ctx context.Context) error { return nil }

// Deliver pushes an inbound update to the channel passed to Start.
func (r *Recorder) Deliver(up kit.Update) error {
	r.mu.Lock()
	out := r.deliverToCh
	r.mu.Unlock()
	if out == nil {
		return errors.New("recorder not started")
	}
	out <- up
	return nil
}

func (r *Recorder) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.calls
	r.calls++
	if i < len(r.SendErrs) && r.SendErrs[i] != nil {
		return kit.MessageRef{}, r.SendErrs[i]
	}
	r.nextID++
	ref := kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: r.nextID}
	s := Sent{To: to, Text: text, Ref: ref}
	if opt != nil {
		s.Opt = *opt
	}
	r.sent = append(r.sent, s)
	return ref, nil
}

func (r *Recorder) DeleteMessage(ctx context.Context, ref kit.MessageRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.DeleteErr != nil {
		return r.DeleteErr
	}
	r.deleted = append(r.deleted, ref)
	return nil
}

func (r *Recorder) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	r.mu.Lock()
	r.answered = append(r.answered, callbackID)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) MemberCount(ctx context.Context, chatID int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Members, r.MembersErr
}

// Sent returns a copy of successful sends.
func (r *Recorder) Sent() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.sent...)
}

// Texts returns the text of every successful send.
func (r *Recorder) Texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sent))
	for _, s := range r.sent {
		out = append(out, s.Text)
	}
	return out
}

// Calls counts SendText attempts, failed ones included.
func (r *Recorder) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *Recorder) Deleted() []kit.MessageRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]kit.MessageRef(nil), r.deleted...)
}

func (r *Recorder) Answered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.answered...)
}
