package evaluator

import (
	"fmt"
	"strings"

	"github.com/optimus/telemetry/internal/types"
)

// Resolver extracts the numeric value a rule compares against its threshold.
// ok is false when the sample lacks the field.
type Resolver interface {
	Resolve(s types.Sample) (value float64, ok bool)
	String() string
}

// Compile selects the resolver for a rule field. The choice is made once,
// when the rule set is loaded.
func Compile(field string) Resolver {
	field = strings.TrimSpace(field)
	switch {
	case field == types.JointCurrentField:
		return JointCurrentMax{}
	case strings.Contains(field, "."):
		return DottedPath{Path: strings.Split(field, ".")}
	default:
		return ScalarField{Name: field}
	}
}

// ScalarField reads a top-level numeric sample attribute
type ScalarField struct {
	Name string
}

func (f ScalarField) Resolve(s types.Sample) (float64, bool) {
	switch f.Name {
	case "battery_pct", "batteryPct":
		return s.BatteryPct, true
	case "temp_c", "temperatureC":
		return s.TempC, true
	case "ts", "timestamp":
		return s.Timestamp, true
	}
	return 0, false
}

func (f ScalarField) String() string { return f.Name }

// DottedPath walks pose.<axis> or joints.<name>
type DottedPath struct {
	Path []string
}

func (p DottedPath) Resolve(s types.Sample) (float64, bool) {
	if len(p.Path) == 1 {
		return ScalarField{Name: p.Path[0]}.Resolve(s)
	}
	if len(p.Path) != 2 {
		// every nested mapping in a sample holds plain numbers
		return 0, false
	}

	var m map[string]float64
	switch p.Path[0] {
	case "pose":
		m = s.Pose
	case "joints", "jointCurrents":
		m = s.Joints
	default:
		return 0, false
	}
	v, ok := m[p.Path[1]]
	return v, ok
}

func (p DottedPath) String() string { return strings.Join(p.Path, ".") }

// JointCurrentMax reports the largest joint current. "Any joint above the
// threshold" holds exactly when the maximum is above it, so the maximum is
// also the value carried by the alert.
type JointCurrentMax struct{}

func (JointCurrentMax) Resolve(s types.Sample) (float64, bool) {
	if len(s.Joints) == 0 {
		return 0, false
	}
	first := true
	var max float64
	for _, v := range s.Joints {
		if first || v > max {
			max = v
			first = false
		}
	}
	return max, true
}

func (JointCurrentMax) String() string { return types.JointCurrentField }

// Describe renders the condition text used in alert messages
func Describe(r Resolver, threshold float64) string {
	return fmt.Sprintf("%s > %v", r, threshold)
}
