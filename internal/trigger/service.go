// Package trigger fires lifecycle events on cron and interval schedules.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"hookpilot/internal/hook"
	logx "hookpilot/pkg/logx"
)

// Trigger fires Event on Schedule.
type Trigger struct {
	Name     string
	Schedule string
	Event    hook.Event
	Phase    hook.Phase
	Context  map[string]any
	MaxTotal time.Duration
}

// FireFunc runs the batch for t. It is called from cron goroutines; a
// trigger whose previous run has not returned is skipped.
type FireFunc func(ctx context.Context, t Trigger) error

type Config struct {
	// Timezone is an IANA name. Empty means local time.
	Timezone string
}

// Info describes one registered trigger.
type Info struct {
	Name     string        `json:"name"`
	Event    hook.Event    `json:"event"`
	Spec     string        `json:"spec"`
	Kind     string        `json:"kind"`
	Next     time.Time     `json:"next,omitempty"`
	Prev     time.Time     `json:"prev,omitempty"`
	Spread   time.Duration `json:"spread,omitempty"`
	Runs     uint64        `json:"runs"`
	Skipped  uint64        `json:"skipped"`
	Failures uint64        `json:"failures"`
	LastErr  string        `json:"last_err,omitempty"`
}

type def struct {
	t       Trigger
	sched   Schedule
	entryID cron.EntryID
	spread  time.Duration

	running  atomic.Bool
	runs     atomic.Uint64
	skipped  atomic.Uint64
	failures atomic.Uint64
	lastErr  atomic.Value // string
}

type Service struct {
	mu     sync.Mutex
	cfg    Config
	loc    *time.Location
	log    logx.Logger
	fire   FireFunc
	parser cron.Parser
	c      *cron.Cron
	ctx    context.Context
	defs   map[string]*def
	wg     sync.WaitGroup
}

func New(cfg Config, fire FireFunc, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:  cfg,
		log:  log,
		fire: fire,
		// SecondOptional accepts both 5- and 6-field specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:   map[string]*def{},
	}
}

// Validate parses every schedule without registering anything.
func (s *Service) Validate(ts []Trigger) error {
	var errs []error
	for _, t := range ts {
		if _, err := s.parse(t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) parse(t Trigger) (Schedule, error) {
	name := strings.TrimSpace(t.Name)
	if name == "" {
		return Schedule{}, errors.New("trigger name required")
	}
	sch, err := ParseSchedule(t.Schedule)
	if err != nil {
		return Schedule{}, fmt.Errorf("trigger %s: %w", name, err)
	}
	if sch.Kind == KindCron {
		if _, err := s.parser.Parse(sch.Cron); err != nil {
			return Schedule{}, fmt.Errorf("trigger %s: invalid cron %q: %w", name, sch.Cron, err)
		}
	}
	return sch, nil
}

// Set replaces the registered triggers. Counters of triggers whose name
// and schedule are unchanged are kept.
func (s *Service) Set(ts []Trigger) error {
	next := make(map[string]*def, len(ts))
	for _, t := range ts {
		sch, err := s.parse(t)
		if err != nil {
			return err
		}
		t.Name = strings.TrimSpace(t.Name)
		next[t.Name] = &def{t: t, sched: sch}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, old := range s.defs {
		if s.c != nil && old.entryID != 0 {
			s.c.Remove(old.entryID)
		}
		if nd, ok := next[name]; ok && nd.sched == old.sched {
			nd.runs.Store(old.runs.Load())
			nd.skipped.Store(old.skipped.Load())
			nd.failures.Store(old.failures.Load())
			if v := old.lastErr.Load(); v != nil {
				nd.lastErr.Store(v)
			}
		}
	}
	s.defs = next
	if s.c != nil {
		for _, d := range s.defs {
			s.addLocked(d)
		}
	}
	s.log.Debug("triggers set", logx.Int("count", len(next)))
	return nil
}

// Start begins firing. Fired batches run on ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx = ctx
	s.startLocked()
}

func (s *Service) startLocked() {
	s.loc = s.location()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		s.addLocked(d)
	}
	s.c.Start()
	s.log.Info("triggers started", logx.String("tz", s.loc.String()), logx.Int("triggers", len(s.defs)))
}

// Apply swaps the configuration; a timezone change restarts cron.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := strings.TrimSpace(s.cfg.Timezone) != strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg
	if s.c == nil || !changed {
		return
	}
	<-s.c.Stop().Done()
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.startLocked()
}

// Stop stops firing and waits for running batches until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("triggers stop: batches still running", logx.Err(ctx.Err()))
	}
	s.log.Info("triggers stopped")
}

func (s *Service) addLocked(d *def) {
	job := cron.FuncJob(func() { s.run(d) })
	if d.sched.Kind == KindInterval {
		sched, spread := intervalSchedule(d.sched.Every, time.Now().In(s.loc), d.t.Name)
		d.spread = spread
		d.entryID = s.c.Schedule(sched, job)
	} else {
		id, err := s.c.AddJob(d.sched.Cron, job)
		if err != nil {
			s.log.Error("trigger register failed", logx.String("name", d.t.Name), logx.String("spec", d.sched.Cron), logx.Err(err))
			return
		}
		d.entryID = id
	}
	s.log.Debug("trigger registered",
		logx.String("name", d.t.Name),
		logx.String("event", string(d.t.Event)),
		logx.String("spec", d.sched.Spec()),
		logx.Duration("spread", d.spread))
}

func (s *Service) run(d *def) {
	if !d.running.CompareAndSwap(false, true) {
		d.skipped.Add(1)
		s.log.Debug("trigger skipped: previous run still active", logx.String("name", d.t.Name))
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	defer d.running.Store(false)

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return
	}

	d.runs.Add(1)
	err := s.Fire(ctx, d.t)
	if err != nil {
		d.failures.Add(1)
		d.lastErr.Store(err.Error())
		s.log.Warn("trigger failed", logx.String("name", d.t.Name), logx.Err(err))
	}
}

// Fire runs t once now, recovering panics from the fire func.
func (s *Service) Fire(ctx context.Context, t Trigger) (err error) {
	if s.fire == nil {
		return errors.New("trigger: no fire func")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("trigger %s panicked: %v", t.Name, r)
		}
	}()
	return s.fire(ctx, t)
}

// Snapshot lists triggers sorted by name.
func (s *Service) Snapshot() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.defs))
	for _, d := range s.defs {
		info := Info{
			Name:     d.t.Name,
			Event:    d.t.Event,
			Spec:     d.sched.Spec(),
			Kind:     d.sched.Kind.String(),
			Spread:   d.spread,
			Runs:     d.runs.Load(),
			Skipped:  d.skipped.Load(),
			Failures: d.failures.Load(),
		}
		if v, ok := d.lastErr.Load().(string); ok {
			info.LastErr = v
		}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Service) location() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
