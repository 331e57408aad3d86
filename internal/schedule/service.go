// Package schedule runs broadcasts for configured chats on cron or interval
// schedules. The job set is replaced wholesale on every Apply.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "mentionbot/pkg/logx"
)

// Job is one scheduled broadcast.
type Job struct {
	Name     string
	ChatID   int64
	ThreadID int
	Spec     string
}

func (j Job) key() string {
	if j.Name != "" {
		return j.Name
	}
	return "chat:" + strconv.FormatInt(j.ChatID, 10) + "@" + j.Spec
}

// RunFunc performs the broadcast for a job.
type RunFunc func(ctx context.Context, job Job) error

type entry struct {
	job     Job
	id      cron.EntryID
	running atomic.Bool
}

type Service struct {
	log    logx.Logger
	run    RunFunc
	parser cron.Parser
	loc    *time.Location

	mu      sync.Mutex
	c       *cron.Cron
	ctx     context.Context
	entries map[string]*entry
	jobs    []Job
}

func New(run RunFunc, log logx.Logger, loc *time.Location) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Service{
		log: log,
		run: run,
		// SecondOptional accepts both 5- and 6-field specs.
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		loc:     loc,
		entries: map[string]*entry{},
	}
}

// Validate checks every job without touching the running set.
func (s *Service) Validate(jobs []Job) error {
	seen := map[string]bool{}
	for i, j := range jobs {
		if j.ChatID == 0 {
			return fmt.Errorf("schedules[%d]: chat_id required", i)
		}
		sp, err := ParseSpec(j.Spec)
		if err != nil {
			return fmt.Errorf("schedules[%d]: %w", i, err)
		}
		if _, err := s.parser.Parse(sp.CronSpec()); err != nil {
			return fmt.Errorf("schedules[%d]: %w", i, err)
		}
		if seen[j.key()] {
			return fmt.Errorf("schedules[%d]: duplicate schedule %q", i, j.key())
		}
		seen[j.key()] = true
	}
	return nil
}

// Apply replaces the job set. Invalid input leaves the current set running.
func (s *Service) Apply(jobs []Job) error {
	if err := s.Validate(jobs); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append([]Job(nil), jobs...)
	if s.c != nil {
		s.registerLocked()
	}
	return nil
}

// Start begins triggering; runs get ctx (or a child of it).
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx = ctx
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	s.registerLocked()
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.jobs)))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.entries = map[string]*entry{}
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

func (s *Service) registerLocked() {
	for key, e := range s.entries {
		s.c.Remove(e.id)
		delete(s.entries, key)
	}
	for _, j := range s.jobs {
		sp, err := ParseSpec(j.Spec)
		if err != nil {
			continue
		}
		e := &entry{job: j}
		id, err := s.c.AddFunc(sp.CronSpec(), func() { s.fire(e) })
		if err != nil {
			s.log.Error("schedule register failed", logx.String("name", j.key()), logx.Err(err))
			continue
		}
		e.id = id
		s.entries[j.key()] = e

		fields := []logx.Field{logx.String("name", j.key()), logx.Int64("chat_id", j.ChatID), logx.String("spec", sp.CronSpec())}
		if next := s.c.Entry(id).Next; !next.IsZero() {
			fields = append(fields, logx.Time("next", next))
		} else if sched, err := s.parser.Parse(sp.CronSpec()); err == nil {
			fields = append(fields, logx.Time("next", sched.Next(time.Now().In(s.loc))))
		}
		s.log.Debug("schedule registered", fields...)
	}
}

// fire runs a job unless its previous run is still going.
func (s *Service) fire(e *entry) {
	if !e.running.CompareAndSwap(false, true) {
		s.log.Warn("schedule skipped: previous run still active", logx.String("name", e.job.key()))
		return
	}
	defer e.running.Store(false)

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if err := s.run(ctx, e.job); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("scheduled broadcast failed", logx.String("name", e.job.key()), logx.Err(err))
	}
}

// Names lists the registered schedules.
func (s *Service) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.key())
	}
	return out
}

// Describe renders jobs for logs.
func Describe(jobs []Job) string {
	parts := make([]string, 0, len(jobs))
	for _, j := range jobs {
		parts = append(parts, fmt.Sprintf("%s(%d)", j.key(), j.ChatID))
	}
	return strings.Join(parts, ", ")
}
