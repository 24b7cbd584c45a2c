package types

// Status is the health tag the data source attaches to each sample
type Status string

const (
	StatusOK          Status = "OK"
	StatusLowBattery  Status = "LOW_BATTERY"
	StatusOverheat    Status = "OVERHEAT"
	StatusHighCurrent Status = "HIGH_CURRENT"
)

// Thresholds used by DeriveStatus
const (
	LowBatteryPct     = 20.0
	OverheatTempC     = 60.0
	HighJointCurrentA = 3.0
)

// Sample is one telemetry observation of the monitored robot
type Sample struct {
	RobotID    string             `json:"robot_id"`
	Timestamp  float64            `json:"ts"`
	Pose       map[string]float64 `json:"pose"`
	BatteryPct float64            `json:"battery_pct"`
	TempC      float64            `json:"temp_c"`
	Joints     map[string]float64 `json:"joints"`
	Status     Status             `json:"status"`
}

// DeriveStatus returns the status tag for the given readings.
// Low battery wins over overheat, which wins over high current.
func DeriveStatus(batteryPct, tempC float64, joints map[string]float64) Status {
	if batteryPct < LowBatteryPct {
		return StatusLowBattery
	}
	if tempC > OverheatTempC {
		return StatusOverheat
	}
	for _, current := range joints {
		if current > HighJointCurrentA {
			return StatusHighCurrent
		}
	}
	return StatusOK
}

// Clone returns a copy of the sample that shares no maps with s
func (s Sample) Clone() Sample {
	out := s
	out.Pose = cloneMap(s.Pose)
	out.Joints = cloneMap(s.Joints)
	return out
}

func cloneMap(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
