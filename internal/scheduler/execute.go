package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"hookpilot/internal/cache"
	"hookpilot/internal/contextload"
	"hookpilot/internal/eventbus"
	"hookpilot/internal/hook"
	"hookpilot/internal/resilience"
	"hookpilot/internal/storage"
	logx "hookpilot/pkg/logx"
)

// call carries what one execution needs besides the hook ID.
type call struct {
	id      string
	input   map[string]any
	batchID string
	event   hook.Event
	phase   hook.Phase
}

// ExecuteHook runs one hook with input as its context. It always returns
// a Result; failures are reported through Success and Error.
func (s *Service) ExecuteHook(ctx context.Context, hookID string, input map[string]any) hook.Result {
	c := call{id: strings.TrimSpace(hookID), input: input}
	if v, ok := input[contextload.KeyBatchID].(string); ok {
		c.batchID = v
	}
	if v, ok := input[contextload.KeyEvent].(string); ok {
		c.event = hook.Event(v)
	}
	if v, ok := input[contextload.KeyPhase].(string); ok {
		c.phase = hook.Phase(v)
	}
	return s.execute(ctx, c)
}

func (s *Service) execute(ctx context.Context, c call) hook.Result {
	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	ev := HookEvent{BatchID: c.batchID, HookID: c.id, Event: c.event, Phase: c.phase}

	md, ok := s.reg.Get(c.id)
	if !ok {
		s.count(func(k *Counters) { k.MetadataMissing++ })
		s.log.Warn("hook skipped: metadata not found", logx.String("hook", c.id))
		res := failure(c.id, ErrMetadataMissing)
		s.finish(ev, res, "")
		return res
	}
	if md.Event != "" && ev.Event == "" {
		ev.Event = md.Event
	}

	unlock, ok := s.lockHook(ctx, c.id)
	defer unlock()
	if !ok {
		res := failure(c.id, ctx.Err())
		ev.Reason = ReasonCanceled
		s.skip(ev, res)
		return res
	}

	cfg := s.config()
	s.mu.RLock()
	ttlPolicy := s.ttl
	s.mu.RUnlock()

	var key string
	if md.Cacheable {
		key = cache.Key(c.id, cache.Fingerprint(c.input, contextload.KeyBatchID, contextload.KeyExecutionMode))
		if cached, hit := s.cache.Get(key); hit {
			s.count(func(k *Counters) { k.CacheHits++ })
			cached.Cached = true
			ev.Cached = true
			s.log.Debug("hook served from cache", logx.String("hook", c.id))
			s.finish(ev, cached, "")
			return cached
		}
		s.count(func(k *Counters) { k.CacheMisses++ })
	}

	h, ok := s.reg.Handler(c.id)
	if !ok || h == nil {
		res := failure(c.id, ErrHandlerMissing)
		ev.Reason = ReasonNoHandler
		s.log.Warn("hook skipped: no handler bound", logx.String("hook", c.id))
		s.skip(ev, res)
		return res
	}

	br, rt := s.res.For(c.id)
	if d := br.Allow(); !d.Allowed {
		s.count(func(k *Counters) { k.CircuitTrips++ })
		res := failure(c.id, d.Err())
		res.Metadata = map[string]any{"circuit_state": d.State.String(), "reason": d.Reason}
		if !d.RetryAt.IsZero() {
			res.Metadata["retry_at"] = d.RetryAt.Format(time.RFC3339)
		}
		ev.Reason = ReasonCircuit
		s.log.Debug("hook short-circuited", logx.String("hook", c.id), logx.String("state", d.State.String()))
		s.skip(ev, res)
		return res
	}

	s.publish(eventbus.TopicHookStarted, ev)

	timeout := md.Timeout
	if timeout <= 0 {
		timeout = cfg.HookTimeout
	}
	start := s.now()
	var resp hook.Response
	attempts, err := rt.Do(ctx, func(ctx context.Context, attempt int) error {
		r, err := s.invoke(ctx, h, c, timeout)
		if err == nil && !r.Continue {
			// rejections are final
			err = resilience.NoRetry(rejected(r.Message))
		}
		resp = r
		if err != nil && attempt > 1 {
			s.log.Debug("hook attempt failed", logx.String("hook", c.id), logx.Int("attempt", attempt), logx.Err(err))
		}
		return err
	})
	ms := float64(s.now().Sub(start)) / float64(time.Millisecond)

	switch {
	case err == nil:
		br.RecordSuccess()
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		// Cancelled by the caller: says nothing about the hook.
		br.Release()
	default:
		if br.RecordFailure() {
			s.count(func(k *Counters) { k.CircuitOpens++ })
			snap := br.Snapshot()
			s.log.Warn("circuit opened", logx.String("hook", c.id), logx.Int("failures", snap.Failures), logx.Any("open_until", snap.OpenUntil))
		}
	}

	res := hook.Result{
		HookID:      c.id,
		Success:     err == nil,
		ExecutionMS: ms,
		TokenUsage:  resp.TokenUsage,
		Output:      resp.Message,
		Attempts:    attempts,
	}
	if err != nil {
		res.Error = err.Error()
		res.Kind = kindOf(err)
	}
	if len(resp.Fields) > 0 {
		res.Metadata = make(map[string]any, len(resp.Fields)+1)
		for k, v := range resp.Fields {
			res.Metadata[k] = v
		}
	}

	anomalyMsg, anomalous := s.detector.Observe(c.id, ms)
	if anomalous {
		if res.Metadata == nil {
			res.Metadata = map[string]any{}
		}
		res.Metadata["anomaly"] = anomalyMsg
		s.count(func(k *Counters) { k.Anomalies++ })
		fields := []logx.Field{logx.String("hook", c.id), logx.String("anomaly", anomalyMsg)}
		if s.warn.Allow() {
			s.log.Warn("hook execution anomaly", fields...)
		} else {
			s.log.Debug("hook execution anomaly", fields...)
		}
		ae := ev
		ae.DurationMS = ms
		ae.Anomaly = anomalyMsg
		s.publish(eventbus.TopicHookAnomaly, ae)
	}

	if res.Success && md.Cacheable {
		ttl, category := ttlPolicy.TTLFor(c.id)
		s.cache.Put(key, res, ttl)
		s.log.Trace("hook result cached", logx.String("hook", c.id), logx.String("category", category), logx.Duration("ttl", ttl))
	}

	if _, ok := s.reg.RecordOutcome(c.id, res.Success); !ok {
		s.log.Debug("hook unregistered during execution", logx.String("hook", c.id))
	}
	s.count(func(k *Counters) {
		k.Executions++
		if !res.Success {
			k.Failures++
		}
	})

	ev.Attempts = attempts
	s.finish(ev, res, anomalyMsg)
	return res
}

// invoke runs one attempt with its own timeout and converts panics into
// errors.
func (s *Service) invoke(ctx context.Context, h hook.Handler, c call, timeout time.Duration) (resp hook.Response, err error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("hook panicked", logx.String("hook", c.id), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			resp, err = hook.Response{}, fmt.Errorf("hook panicked: %v", r)
		}
	}()
	resp, err = h.Invoke(runCtx, clone(c.input))
	if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("%w after %s: %w", ErrTimeout, timeout, err)
	}
	return resp, err
}

func rejected(msg string) error {
	if msg = strings.TrimSpace(msg); msg == "" {
		return ErrRejected
	}
	return fmt.Errorf("%w: %s", ErrRejected, msg)
}

func failure(id string, err error) hook.Result {
	return hook.Result{HookID: id, Error: err.Error(), Kind: kindOf(err)}
}

func kindOf(err error) hook.FailureKind {
	switch {
	case errors.Is(err, ErrMetadataMissing):
		return hook.KindMetadataMissing
	case errors.Is(err, ErrHandlerMissing):
		return hook.KindHandlerMissing
	case errors.Is(err, resilience.ErrCircuitOpen), errors.Is(err, resilience.ErrProbeLimited):
		return hook.KindCircuitOpen
	case errors.Is(err, ErrRejected):
		return hook.KindRejected
	case errors.Is(err, ErrTimeout):
		return hook.KindTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return hook.KindCanceled
	default:
		return hook.KindFailed
	}
}

// finish publishes the outcome and appends it to the history.
func (s *Service) finish(ev HookEvent, res hook.Result, anomalyMsg string) {
	ev.Success = res.Success
	ev.Cached = res.Cached
	ev.DurationMS = res.ExecutionMS
	ev.Error = res.Error
	ev.Anomaly = anomalyMsg
	if res.Success {
		s.publish(eventbus.TopicHookFinished, ev)
	} else {
		s.publish(eventbus.TopicHookFailed, ev)
	}
	s.record(execution(ev, res, s.now()))
}

// skip reports a hook that was not invoked.
func (s *Service) skip(ev HookEvent, res hook.Result) {
	ev.Error = res.Error
	s.publish(eventbus.TopicHookSkipped, ev)
	s.record(execution(ev, res, s.now()))
}

func execution(ev HookEvent, res hook.Result, at time.Time) storage.Execution {
	return storage.Execution{
		At:         at,
		BatchID:    ev.BatchID,
		HookID:     res.HookID,
		Event:      string(ev.Event),
		Phase:      string(ev.Phase),
		Success:    res.Success,
		Cached:     res.Cached,
		Attempts:   res.Attempts,
		DurationMS: res.ExecutionMS,
		TokenUsage: res.TokenUsage,
		Error:      res.Error,
		Anomaly:    ev.Anomaly,
	}
}

func clone(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
