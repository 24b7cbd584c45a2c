package alerter

import (
	"sync"

	"github.com/rs/zerolog"
)

// FlapDetector tracks how often a rule toggles between active and cleared.
// It only reports; events are never suppressed because of flapping.
type FlapDetector struct {
	log       zerolog.Logger
	threshold int     // number of transitions to count as flapping
	window    float64 // seconds
	mu        sync.Mutex
	history   map[string][]float64 // rule name -> transition times
	flapping  map[string]bool
}

// NewFlapDetector creates a flap detector. A rule with at least threshold
// transitions inside window seconds is flapping.
func NewFlapDetector(log zerolog.Logger, threshold int, window float64) *FlapDetector {
	if threshold < 2 {
		threshold = 2
	}
	return &FlapDetector{
		log:       log.With().Str("component", "flap-detector").Logger(),
		threshold: threshold,
		window:    window,
		history:   make(map[string][]float64),
		flapping:  make(map[string]bool),
	}
}

// RecordChange records a transition of rule name at time now and reports
// whether the rule is flapping and whether that just started.
func (f *FlapDetector) RecordChange(name string, now float64) (flapping bool, justStarted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	pruned := f.prune(name, now)
	pruned = append(pruned, now)
	f.history[name] = pruned

	if len(pruned) < f.threshold {
		return false, false
	}
	if f.flapping[name] {
		return true, false
	}
	f.flapping[name] = true
	f.log.Warn().Str("rule", name).Int("changes", len(pruned)).Msg("flapping detected")
	return true, true
}

// IsFlapping reports whether name is flapping as of now. A flapping rule
// that has been quiet for a whole window is marked stable again.
func (f *FlapDetector) IsFlapping(name string, now float64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.flapping[name] {
		return false
	}
	pruned := f.prune(name, now)
	f.history[name] = pruned
	if len(pruned) < f.threshold {
		delete(f.flapping, name)
		f.log.Info().Str("rule", name).Msg("flapping stopped")
		return false
	}
	return true
}

// Forget drops all history for a removed rule
func (f *FlapDetector) Forget(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.history, name)
	delete(f.flapping, name)
}

// prune keeps transitions newer than the window. Caller must hold f.mu.
func (f *FlapDetector) prune(name string, now float64) []float64 {
	cutoff := now - f.window
	timestamps := f.history[name]
	pruned := make([]float64, 0, len(timestamps)+1)
	for _, ts := range timestamps {
		if ts > cutoff {
			pruned = append(pruned, ts)
		}
	}
	return pruned
}
