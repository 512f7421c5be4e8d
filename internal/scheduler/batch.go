package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"hookpilot/internal/contextload"
	"hookpilot/internal/eventbus"
	"hookpilot/internal/hook"
	"hookpilot/internal/phase"
	"hookpilot/internal/prioritize"
	"hookpilot/internal/runtime/supervisor"
	logx "hookpilot/pkg/logx"
)

// ExecuteHooks runs the hooks registered for req.Event.
//
// Hooks are dispatched in rank order on at most Config.Workers goroutines.
// No hook is started once the batch budget, less the dispatch margin, has
// elapsed; started hooks always run to completion. An event without hooks
// yields an empty batch without ranking.
func (s *Service) ExecuteHooks(ctx context.Context, req Request) Batch {
	start := s.now()
	cfg := s.config()
	b := Batch{
		ID:      uuid.NewString(),
		Event:   req.Event,
		Results: []hook.Result{},
	}
	log := s.log.With(logx.String("batch", b.ID), logx.String("event", string(req.Event)))

	res := phase.Resolve(ctx, s.phases, req.Phase, req.UserInput, cfg.DefaultPhase)
	b.Phase = res.Phase
	if res.Err != nil {
		log.Debug("phase detection failed, using default", logx.String("phase", string(res.Phase)), logx.Err(res.Err))
	}

	ids := s.reg.HooksFor(req.Event)
	if len(ids) == 0 {
		b.Context = req.Context
		b.Took = s.now().Sub(start)
		log.Debug("no hooks registered")
		return b
	}

	s.mu.RLock()
	ranker := s.ranker
	s.mu.RUnlock()
	b.Ranked = ranker.Rank(ids, res.Phase, res.Known)

	loaded := contextload.Load(ctx, s.loader, contextload.Request{
		BatchID: b.ID,
		Event:   req.Event,
		Phase:   res.Phase,
		Context: req.Context,
		Hooks:   prioritize.Top(b.Ranked, cfg.TopN),
	})
	b.Context = loaded.Context
	b.Loader = loaded.Metrics
	b.Fallback = loaded.Fallback
	if loaded.Fallback {
		s.count(func(k *Counters) { k.LoaderFallbacks++ })
		log.Warn("context loader failed, using original context", logx.Err(loaded.Err))
	}

	budget := req.MaxTotal
	if budget <= 0 {
		budget = cfg.MaxTotal
	}
	cutoff := budget - cfg.margin(budget)

	var (
		mu      sync.Mutex
		results = make([]hook.Result, 0, len(b.Ranked))
	)
	permits := make(chan struct{}, cfg.Workers)
	sup := supervisor.New(ctx, supervisor.WithLogger(log))
	timer := time.NewTimer(max(cutoff-s.now().Sub(start), 0))
	defer timer.Stop()

	stopped := -1
dispatch:
	for i, r := range b.Ranked {
		if s.now().Sub(start) >= cutoff {
			stopped = i
			break
		}
		select {
		case permits <- struct{}{}:
		case <-timer.C:
			stopped = i
			break dispatch
		case <-ctx.Done():
			stopped = i
			break dispatch
		}
		// The permit may have been won in a race with the cutoff.
		if s.now().Sub(start) >= cutoff || ctx.Err() != nil {
			<-permits
			stopped = i
			break
		}

		c := call{id: r.HookID, input: clone(b.Context), batchID: b.ID, event: req.Event, phase: res.Phase}
		sup.Go0("hook."+r.HookID, func(context.Context) {
			defer func() { <-permits }()
			// Runs on the caller's ctx: the budget never interrupts a started hook.
			out := s.execute(ctx, c)
			mu.Lock()
			results = append(results, out)
			mu.Unlock()
		})
	}

	if stopped >= 0 {
		reason := ReasonBudget
		if ctx.Err() != nil {
			reason = ReasonCanceled
		}
		for _, r := range b.Ranked[stopped:] {
			b.Skipped = append(b.Skipped, r.HookID)
			s.publish(eventbus.TopicHookSkipped, HookEvent{
				BatchID: b.ID,
				HookID:  r.HookID,
				Event:   req.Event,
				Phase:   res.Phase,
				Reason:  reason,
			})
		}
		if reason == ReasonBudget {
			s.count(func(k *Counters) { k.BudgetSkips += uint64(len(b.Skipped)) })
		}
		log.Warn("batch stopped dispatching",
			logx.String("reason", reason),
			logx.Duration("budget", budget),
			logx.Int("skipped", len(b.Skipped)))
	}

	_ = sup.Wait(context.Background())
	sup.Cancel()

	b.Results = results
	b.Took = s.now().Sub(start)
	s.count(func(k *Counters) { k.Batches++ })
	s.publish(eventbus.TopicBatchDone, BatchEvent{
		ID:       b.ID,
		Event:    b.Event,
		Phase:    b.Phase,
		Results:  len(b.Results),
		Failed:   b.Failed(),
		Skipped:  len(b.Skipped),
		Fallback: b.Fallback,
		Took:     b.Took,
	})
	log.Debug("batch finished",
		logx.String("phase", string(b.Phase)),
		logx.Int("results", len(b.Results)),
		logx.Int("failed", b.Failed()),
		logx.Duration("took", b.Took))
	return b
}
