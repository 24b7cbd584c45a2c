package source

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/optimus/telemetry/internal/types"
	"github.com/rs/zerolog"
)

const defaultSampleBuffer = 64

// Simulator produces synthetic robot telemetry at a fixed cadence
type Simulator struct {
	robotID  string
	interval time.Duration
	logger   zerolog.Logger
	rng      *rand.Rand
	now      func() time.Time
	samples  chan types.Sample
}

// NewSimulator creates a simulator emitting one sample per interval
func NewSimulator(robotID string, interval time.Duration, logger zerolog.Logger) *Simulator {
	return &Simulator{
		robotID:  robotID,
		interval: interval,
		logger:   logger.With().Str("component", "simulator").Logger(),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,
		samples:  make(chan types.Sample, defaultSampleBuffer),
	}
}

// Samples returns the channel samples are published on
func (s *Simulator) Samples() <-chan types.Sample {
	return s.samples
}

// Run emits samples until ctx is cancelled, then closes the channel
func (s *Simulator) Run(ctx context.Context) error {
	defer close(s.samples)

	start := s.now()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().
		Str("robot_id", s.robotID).
		Dur("interval", s.interval).
		Msg("Telemetry simulator started")

	for {
		sample := s.Generate(s.now().Sub(start).Seconds())
		select {
		case s.samples <- sample:
		case <-ctx.Done():
			return nil
		default:
			s.logger.Warn().Msg("Sample channel full, dropping sample")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Generate builds the sample for elapsed seconds since start
func (s *Simulator) Generate(elapsed float64) types.Sample {
	pose := map[string]float64{
		"x":     0.2 + 0.1*math.Sin(elapsed*0.1),
		"y":     0.0 + 0.05*math.Cos(elapsed*0.15),
		"z":     0.95 + 0.02*math.Sin(elapsed*0.2),
		"roll":  0.0 + 0.1*math.Sin(elapsed*0.05),
		"pitch": 0.05 + 0.08*math.Cos(elapsed*0.12),
		"yaw":   1.57 + 0.3*math.Sin(elapsed*0.08),
	}

	// battery slowly drains; temperature follows activity
	battery := math.Max(10.0, 85.0-elapsed*0.01+s.uniform(-2, 2))
	temp := 40.0 + 5*math.Sin(elapsed*0.1) + s.uniform(-1, 1)

	joints := map[string]float64{
		"shoulder_l": round(2.0+0.5*math.Sin(elapsed*0.2)+s.uniform(-0.2, 0.2), 2),
		"elbow_l":    round(1.4+0.3*math.Cos(elapsed*0.25)+s.uniform(-0.1, 0.1), 2),
		"knee_l":     round(1.9+0.4*math.Sin(elapsed*0.18)+s.uniform(-0.15, 0.15), 2),
		"shoulder_r": round(2.0+0.3*math.Cos(elapsed*0.22)+s.uniform(-0.1, 0.1), 2),
	}

	now := s.now()
	return types.Sample{
		RobotID:    s.robotID,
		Timestamp:  float64(now.UnixNano()) / 1e9,
		Pose:       pose,
		BatteryPct: round(battery, 1),
		TempC:      round(temp, 1),
		Joints:     joints,
		Status:     types.DeriveStatus(battery, temp, joints),
	}
}

func (s *Simulator) uniform(lo, hi float64) float64 {
	return lo + s.rng.Float64()*(hi-lo)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
