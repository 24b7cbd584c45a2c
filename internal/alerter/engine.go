package alerter

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/optimus/telemetry/internal/evaluator"
	"github.com/optimus/telemetry/internal/types"
	"github.com/rs/zerolog"
)

// ErrInvalidRuleSet is returned when a rule update is rejected. The
// previous rule set stays in effect.
var ErrInvalidRuleSet = errors.New("invalid rule set")

// Clock returns the current time in seconds since the epoch
type Clock func() float64

// WallClock is the default Clock
func WallClock() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// compiledRule is a rule with its field resolver selected at load time
type compiledRule struct {
	rule     types.Rule
	resolver evaluator.Resolver
}

// Engine evaluates threshold rules against samples and tracks per-rule
// cooldown and active state. All state sits behind one mutex so a rule
// update never interleaves with an evaluation.
type Engine struct {
	logger        zerolog.Logger
	clock         Clock
	flap          *FlapDetector
	rules         []compiledRule
	lastTriggered map[string]float64
	activeAlerts  map[string]types.AlertEvent
	mu            sync.RWMutex
}

// Option configures an Engine
type Option func(*Engine)

// WithClock overrides the wall clock used for cooldown and timestamps
func WithClock(clock Clock) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithFlapDetector reports rules that keep toggling between active and cleared
func WithFlapDetector(f *FlapDetector) Option {
	return func(e *Engine) { e.flap = f }
}

// NewEngine creates a rule engine with an empty rule set
func NewEngine(logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		logger:        logger.With().Str("component", "alerter").Logger(),
		clock:         WallClock,
		lastTriggered: make(map[string]float64),
		activeAlerts:  make(map[string]types.AlertEvent),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ValidateRules checks a rule set without applying it
func ValidateRules(rules []types.Rule) error {
	seen := make(map[string]struct{}, len(rules))
	for i, rule := range rules {
		if rule.Name == "" {
			return fmt.Errorf("%w: rule %d: name is required", ErrInvalidRuleSet, i)
		}
		if _, dup := seen[rule.Name]; dup {
			return fmt.Errorf("%w: duplicate rule name %q", ErrInvalidRuleSet, rule.Name)
		}
		seen[rule.Name] = struct{}{}
		if rule.Field == "" {
			return fmt.Errorf("%w: rule %s: condition is required", ErrInvalidRuleSet, rule.Name)
		}
		if math.IsNaN(rule.Threshold) || math.IsInf(rule.Threshold, 0) {
			return fmt.Errorf("%w: rule %s: threshold must be finite", ErrInvalidRuleSet, rule.Name)
		}
		if c := rule.Cooldown(); c < 0 || math.IsNaN(c) {
			return fmt.Errorf("%w: rule %s: cooldown_seconds must be >= 0", ErrInvalidRuleSet, rule.Name)
		}
	}
	return nil
}

// UpdateRules atomically replaces the rule set. State of rules whose
// name is absent from the new set is discarded; retained names keep their
// cooldown and active state.
func (e *Engine) UpdateRules(rules []types.Rule) error {
	if err := ValidateRules(rules); err != nil {
		return err
	}

	compiled := make([]compiledRule, 0, len(rules))
	names := make(map[string]struct{}, len(rules))
	for _, rule := range rules {
		rule = rule.WithDefaults()
		compiled = append(compiled, compiledRule{
			rule:     rule,
			resolver: evaluator.Compile(rule.Field),
		})
		names[rule.Name] = struct{}{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.rules = compiled
	for name := range e.activeAlerts {
		if _, ok := names[name]; !ok {
			delete(e.activeAlerts, name)
		}
	}
	for name := range e.lastTriggered {
		if _, ok := names[name]; !ok {
			delete(e.lastTriggered, name)
			if e.flap != nil {
				e.flap.Forget(name)
			}
		}
	}

	e.logger.Info().
		Int("rule_count", len(compiled)).
		Msg("Alert rules updated")
	return nil
}

// GetRules returns a copy of the current rule set in update order
func (e *Engine) GetRules() []types.Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]types.Rule, 0, len(e.rules))
	for _, c := range e.rules {
		rules = append(rules, c.rule.WithDefaults())
	}
	return rules
}

// Evaluate runs every enabled rule against s at the current clock time
func (e *Engine) Evaluate(s types.Sample) []types.AlertEvent {
	return e.EvaluateAt(s, e.clock())
}

// EvaluateAt runs every enabled rule against s as of now. Triggered events
// come first, then cleared events, each in rule order. A rule inside its
// cooldown window cannot trigger but can still clear.
func (e *Engine) EvaluateAt(s types.Sample, now float64) []types.AlertEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	var triggered, cleared []types.AlertEvent

	for _, c := range e.rules {
		if !c.rule.IsEnabled() {
			continue
		}
		value, firing := e.check(c, s)
		if !firing {
			continue
		}
		if last, ok := e.lastTriggered[c.rule.Name]; ok && now-last < c.rule.Cooldown() {
			continue
		}

		alert := types.NewTriggered(
			c.rule.Name,
			c.rule.Severity,
			evaluator.Describe(c.resolver, c.rule.Threshold),
			value,
			c.rule.Threshold,
			now,
		)
		triggered = append(triggered, alert)
		e.lastTriggered[c.rule.Name] = now
		e.activeAlerts[c.rule.Name] = alert
		e.recordTransition(c.rule.Name, now)

		e.logger.Info().
			Str("rule", c.rule.Name).
			Str("severity", c.rule.Severity).
			Float64("value", value).
			Float64("threshold", c.rule.Threshold).
			Msg("Alert fired")
	}

	for _, c := range e.rules {
		if _, active := e.activeAlerts[c.rule.Name]; !active || !c.rule.IsEnabled() {
			continue
		}
		if _, firing := e.check(c, s); firing {
			continue
		}

		cleared = append(cleared, types.NewCleared(c.rule.Name, now))
		delete(e.activeAlerts, c.rule.Name)
		e.recordTransition(c.rule.Name, now)

		e.logger.Info().
			Str("rule", c.rule.Name).
			Msg("Alert cleared")
	}

	return append(triggered, cleared...)
}

// check resolves the rule field and compares strictly above the threshold
func (e *Engine) check(c compiledRule, s types.Sample) (float64, bool) {
	value, ok := c.resolver.Resolve(s)
	if !ok {
		return 0, false
	}
	return value, value > c.rule.Threshold
}

func (e *Engine) recordTransition(name string, now float64) {
	if e.flap == nil {
		return
	}
	e.flap.RecordChange(name, now)
}

// GetActiveAlerts returns the latest triggered event of every active rule,
// in rule order
func (e *Engine) GetActiveAlerts() []types.AlertEvent {
	e.mu.RLock()
	defer e.mu.RUnlock()

	alerts := make([]types.AlertEvent, 0, len(e.activeAlerts))
	for _, c := range e.rules {
		if alert, ok := e.activeAlerts[c.rule.Name]; ok {
			alerts = append(alerts, alert)
		}
	}
	return alerts
}

// FlappingRules returns the names of rules currently marked as flapping
func (e *Engine) FlappingRules() []string {
	if e.flap == nil {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	var names []string
	for _, c := range e.rules {
		if e.flap.IsFlapping(c.rule.Name, e.clock()) {
			names = append(names, c.rule.Name)
		}
	}
	return names
}
