package hook

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

// successAlpha weights the newest outcome when updating SuccessRate.
const successAlpha = 0.2

var (
	ErrEmptyID    = errors.New("hook id is required")
	ErrEmptyEvent = errors.New("hook event is required")
)

// Registry maps hook identifiers to metadata and handlers.
//
// It is read-mostly: lookups take a read lock and never block each other.
type Registry struct {
	mu       sync.RWMutex
	meta     map[string]Metadata
	byEvent  map[Event][]string
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{
		meta:     map[string]Metadata{},
		byEvent:  map[Event][]string{},
		handlers: map[string]Handler{},
	}
}

// Register adds or replaces the metadata for md.ID under event.
//
// Re-registering an ID overwrites its metadata; if the event changed the
// hook moves to the new event's list. Registration order within an event
// is preserved.
func (r *Registry) Register(event Event, md Metadata) error {
	md.ID = strings.TrimSpace(md.ID)
	if md.ID == "" {
		return ErrEmptyID
	}
	if strings.TrimSpace(string(event)) == "" {
		return ErrEmptyEvent
	}
	md.Event = event
	if md.Tier == 0 {
		md.Tier = TierNormal
	}
	if md.EstimatedMS < 0 {
		md.EstimatedMS = 0
	}
	md.SuccessRate = clamp01(md.SuccessRate)
	rel := make(map[Phase]float64, len(md.Relevance))
	for p, v := range md.Relevance {
		rel[p] = clamp01(v)
	}
	md.Relevance = rel

	r.mu.Lock()
	defer r.mu.Unlock()
	prev, exists := r.meta[md.ID]
	if exists && prev.Event != event {
		r.removeFromEventLocked(prev.Event, md.ID)
	}
	if !exists || prev.Event != event {
		r.byEvent[event] = append(r.byEvent[event], md.ID)
	}
	r.meta[md.ID] = md
	return nil
}

// Bind attaches the handler invoked for id. A nil handler unbinds.
func (r *Registry) Bind(id string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h == nil {
		delete(r.handlers, id)
		return
	}
	r.handlers[id] = h
}

// Unregister removes metadata and handler for id.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	md, ok := r.meta[id]
	if !ok {
		return false
	}
	r.removeFromEventLocked(md.Event, id)
	delete(r.meta, id)
	delete(r.handlers, id)
	return true
}

func (r *Registry) removeFromEventLocked(event Event, id string) {
	ids := r.byEvent[event]
	for i, v := range ids {
		if v == id {
			r.byEvent[event] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(r.byEvent[event]) == 0 {
		delete(r.byEvent, event)
	}
}

func (r *Registry) Get(id string) (Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	md, ok := r.meta[id]
	return md, ok
}

func (r *Registry) Handler(id string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[id]
	return h, ok
}

// HooksFor returns the hook IDs registered for event, in registration order.
func (r *Registry) HooksFor(event Event) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.byEvent[event]...)
}

// Events returns the events that have at least one hook, sorted by name.
func (r *Registry) Events() []Event {
	r.mu.RLock()
	out := make([]Event, 0, len(r.byEvent))
	for e := range r.byEvent {
		out = append(out, e)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// All returns every registered hook sorted by ID.
func (r *Registry) All() []Metadata {
	r.mu.RLock()
	out := make([]Metadata, 0, len(r.meta))
	for _, md := range r.meta {
		out = append(out, md)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.meta)
}

// RecordOutcome folds one observed outcome into the hook's SuccessRate and
// returns the new rate. Unknown IDs return (0, false).
func (r *Registry) RecordOutcome(id string, success bool) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	md, ok := r.meta[id]
	if !ok {
		return 0, false
	}
	obs := 0.0
	if success {
		obs = 1
	}
	md.SuccessRate = clamp01(md.SuccessRate*(1-successAlpha) + obs*successAlpha)
	r.meta[id] = md
	return md.SuccessRate, true
}
