package anomaly

import (
	"fmt"
	"math"
	"strings"
	"sync"
)

// Config holds detection thresholds.
//
// Defaults (zero values): Window 20, MinSamples 5, Factor 2.0, Sigma 3,
// MinDeltaMS 50.
type Config struct {
	// Window is the number of past durations kept per hook.
	Window int
	// MinSamples is how many samples must exist before any signal fires.
	MinSamples int
	// Factor flags ms > mean*Factor.
	Factor float64
	// Sigma flags ms > mean + Sigma*stddev. Negative disables the rule.
	Sigma float64
	// MinDeltaMS is the absolute excess over the mean required by both rules.
	MinDeltaMS float64
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = 20
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 5
	}
	if c.MinSamples > c.Window {
		c.MinSamples = c.Window
	}
	if c.Factor <= 1 {
		c.Factor = 2.0
	}
	if c.Sigma == 0 {
		c.Sigma = 3
	}
	if c.MinDeltaMS < 0 {
		c.MinDeltaMS = 0
	} else if c.MinDeltaMS == 0 {
		c.MinDeltaMS = 50
	}
	return c
}

// Baseline summarizes a profile.
type Baseline struct {
	Samples int     `json:"samples"`
	MeanMS  float64 `json:"mean_ms"`
	StdDev  float64 `json:"stddev_ms"`
	LastMS  float64 `json:"last_ms"`
}

// profile is a bounded ring of durations, oldest overwritten first.
type profile struct {
	mu   sync.Mutex
	buf  []float64
	next int
	n    int
}

func newProfile(window int) *profile { return &profile{buf: make([]float64, window)} }

func (p *profile) appendLocked(ms float64) {
	p.buf[p.next] = ms
	p.next = (p.next + 1) % len(p.buf)
	if p.n < len(p.buf) {
		p.n++
	}
}

// valuesLocked returns samples oldest first.
func (p *profile) valuesLocked() []float64 {
	out := make([]float64, 0, p.n)
	start := (p.next - p.n + len(p.buf)) % len(p.buf)
	for i := 0; i < p.n; i++ {
		out = append(out, p.buf[(start+i)%len(p.buf)])
	}
	return out
}

func (p *profile) resizeLocked(window int) {
	if window == len(p.buf) {
		return
	}
	vals := p.valuesLocked()
	if len(vals) > window {
		vals = vals[len(vals)-window:]
	}
	p.buf = make([]float64, window)
	p.next, p.n = 0, 0
	for _, v := range vals {
		p.appendLocked(v)
	}
}

func (p *profile) baselineLocked() Baseline {
	b := Baseline{Samples: p.n}
	if p.n == 0 {
		return b
	}
	var sum float64
	vals := p.valuesLocked()
	for _, v := range vals {
		sum += v
	}
	b.MeanMS = sum / float64(p.n)
	var sq float64
	for _, v := range vals {
		d := v - b.MeanMS
		sq += d * d
	}
	b.StdDev = math.Sqrt(sq / float64(p.n))
	b.LastMS = vals[len(vals)-1]
	return b
}

// Detector compares fresh execution times with each hook's rolling profile.
// Locking is per hook; distinct hooks never contend beyond the map lookup.
type Detector struct {
	mu       sync.RWMutex
	cfg      Config
	profiles map[string]*profile
}

func New(cfg Config) *Detector {
	return &Detector{cfg: cfg.withDefaults(), profiles: map[string]*profile{}}
}

func (d *Detector) Config() Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// Apply swaps thresholds. Existing profiles are trimmed or grown to the
// new window on their next observation.
func (d *Detector) Apply(cfg Config) {
	d.mu.Lock()
	d.cfg = cfg.withDefaults()
	d.mu.Unlock()
}

func (d *Detector) profileFor(id string) (*profile, Config) {
	d.mu.RLock()
	p := d.profiles[id]
	cfg := d.cfg
	d.mu.RUnlock()
	if p != nil {
		return p, cfg
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if p = d.profiles[id]; p == nil {
		p = newProfile(d.cfg.Window)
		d.profiles[id] = p
	}
	return p, d.cfg
}

// Observe records ms for hookID and reports an anomaly message when ms
// deviates from the samples recorded before this call.
func (d *Detector) Observe(hookID string, ms float64) (string, bool) {
	id := strings.TrimSpace(hookID)
	if id == "" || math.IsNaN(ms) || ms < 0 {
		return "", false
	}
	p, cfg := d.profileFor(id)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.resizeLocked(cfg.Window)
	base := p.baselineLocked()
	p.appendLocked(ms)

	return evaluate(cfg, base, ms)
}

func evaluate(cfg Config, base Baseline, ms float64) (string, bool) {
	if base.Samples < cfg.MinSamples {
		return "", false
	}
	delta := ms - base.MeanMS
	if delta <= cfg.MinDeltaMS {
		return "", false
	}
	byFactor := base.MeanMS > 0 && ms > base.MeanMS*cfg.Factor
	bySigma := cfg.Sigma > 0 && base.StdDev > 0 && ms > base.MeanMS+cfg.Sigma*base.StdDev
	if !byFactor && !bySigma {
		return "", false
	}
	if base.MeanMS <= 0 {
		return fmt.Sprintf("execution time %.1fms exceeds baseline %.1fms", ms, base.MeanMS), true
	}
	return fmt.Sprintf("execution time %.1fms exceeds baseline %.1fms (%.1fx)", ms, base.MeanMS, ms/base.MeanMS), true
}

// Profile returns a copy of the samples for hookID, oldest first.
func (d *Detector) Profile(hookID string) []float64 {
	d.mu.RLock()
	p := d.profiles[strings.TrimSpace(hookID)]
	d.mu.RUnlock()
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.valuesLocked()
}

// Baseline summarizes the current profile of hookID.
func (d *Detector) Baseline(hookID string) Baseline {
	d.mu.RLock()
	p := d.profiles[strings.TrimSpace(hookID)]
	d.mu.RUnlock()
	if p == nil {
		return Baseline{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.baselineLocked()
}

// Baselines lists all profiles keyed by hook ID.
func (d *Detector) Baselines() map[string]Baseline {
	d.mu.RLock()
	ids := make([]string, 0, len(d.profiles))
	for id := range d.profiles {
		ids = append(ids, id)
	}
	d.mu.RUnlock()

	out := make(map[string]Baseline, len(ids))
	for _, id := range ids {
		out[id] = d.Baseline(id)
	}
	return out
}

// Reset forgets the profile of hookID.
func (d *Detector) Reset(hookID string) {
	d.mu.Lock()
	delete(d.profiles, strings.TrimSpace(hookID))
	d.mu.Unlock()
}
