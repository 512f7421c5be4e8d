package phase

import (
	"context"
	"errors"
	"strings"
	"unicode"

	"hookpilot/internal/hook"
)

// ErrNoMatch is returned when the input does not point at any phase.
var ErrNoMatch = errors.New("phase: no keyword matched")

// Detector infers the workflow phase from free-form user input.
type Detector interface {
	Detect(ctx context.Context, input string) (hook.Phase, error)
}

// DetectorFunc adapts a function to Detector.
type DetectorFunc func(ctx context.Context, input string) (hook.Phase, error)

func (f DetectorFunc) Detect(ctx context.Context, input string) (hook.Phase, error) {
	return f(ctx, input)
}

// Resolution is the outcome of Resolve.
type Resolution struct {
	Phase hook.Phase
	// Source is "explicit", "detected" or "default".
	Source string
	// Known is false only when the default phase was used.
	Known bool
	Err   error
}

// Resolve picks the phase for a batch: an explicit phase wins, then the
// detector's answer for input, then def. Detector failures are returned in
// Resolution.Err but never prevent a phase from being chosen.
func Resolve(ctx context.Context, d Detector, explicit hook.Phase, input string, def hook.Phase) Resolution {
	if p, ok := hook.ParsePhase(string(explicit)); ok {
		return Resolution{Phase: p, Source: "explicit", Known: true}
	}
	if def == "" {
		def = hook.PhasePlanning
	}
	if d == nil || strings.TrimSpace(input) == "" {
		return Resolution{Phase: def, Source: "default"}
	}

	p, err := safeDetect(ctx, d, input)
	if err != nil {
		return Resolution{Phase: def, Source: "default", Err: err}
	}
	if np, ok := hook.ParsePhase(string(p)); ok {
		return Resolution{Phase: np, Source: "detected", Known: true}
	}
	return Resolution{Phase: def, Source: "default", Err: errors.New("phase: detector returned unknown phase " + string(p))}
}

func safeDetect(ctx context.Context, d Detector, input string) (p hook.Phase, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("phase: detector panicked")
		}
	}()
	return d.Detect(ctx, input)
}

// DefaultKeywords maps each phase to the words that suggest it.
func DefaultKeywords() map[hook.Phase][]string {
	return map[hook.Phase][]string{
		hook.PhaseSpec:     {"spec", "specification", "requirement", "requirements", "acceptance criteria", "design"},
		hook.PhaseRed:      {"failing test", "write test", "write a test", "red", "tdd"},
		hook.PhaseGreen:    {"make it pass", "implement", "implementation", "green", "pass the test"},
		hook.PhaseRefactor: {"refactor", "cleanup", "clean up", "rename", "simplify"},
		hook.PhaseSync:     {"sync", "docs", "document", "changelog", "readme", "release notes"},
		hook.PhaseDebug:    {"debug", "bug", "error", "fix", "stack trace", "panic", "crash"},
		hook.PhasePlanning: {"plan", "planning", "roadmap", "todo", "estimate"},
	}
}

// Keyword detects phases by counting keyword hits on word boundaries.
// The phase with most hits wins; ties go to the earlier phase in hook.Phases.
type Keyword struct {
	keywords map[hook.Phase][]string
}

// NewKeyword builds a detector. Nil or empty keywords use DefaultKeywords.
// Phases absent from keywords keep their defaults.
func NewKeyword(keywords map[hook.Phase][]string) *Keyword {
	kw := DefaultKeywords()
	for p, words := range keywords {
		if len(words) == 0 {
			continue
		}
		norm := make([]string, 0, len(words))
		for _, w := range words {
			if w = normalize(w); w != "" {
				norm = append(norm, w)
			}
		}
		kw[p] = norm
	}
	return &Keyword{keywords: kw}
}

func (k *Keyword) Detect(ctx context.Context, input string) (hook.Phase, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	text := " " + normalize(input) + " "
	if strings.TrimSpace(text) == "" {
		return "", ErrNoMatch
	}

	best := hook.Phase("")
	bestHits := 0
	for _, p := range hook.Phases {
		hits := 0
		for _, w := range k.keywords[p] {
			hits += strings.Count(text, " "+w+" ")
		}
		if hits > bestHits {
			best, bestHits = p, hits
		}
	}
	if bestHits == 0 {
		return "", ErrNoMatch
	}
	return best, nil
}

// normalize lowercases s and collapses everything but letters and digits
// into single spaces.
func normalize(s string) string {
	var b strings.Builder
	space := true
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}
