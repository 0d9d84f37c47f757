package domain

import "stf/internal/atomicfloat"

// DeviceID identifies one of the three physical devices this cell models.
type DeviceID string

const (
	DeviceHBW      DeviceID = "HBW"
	DeviceConveyor DeviceID = "CONVEYOR"
	DeviceVGR      DeviceID = "VGR"
)

// DeviceStatus is the coarse device-level status published in every
// snapshot.
type DeviceStatus string

const (
	DeviceIdle      DeviceStatus = "IDLE"
	DeviceMoving    DeviceStatus = "MOVING"
	DeviceError     DeviceStatus = "ERROR"
	DeviceEmergency DeviceStatus = "EMERGENCY"
)

// MotorPhase is a single motor's electrical/mechanical phase.
type MotorPhase string

const (
	PhaseIdle     MotorPhase = "IDLE"
	PhaseStartup  MotorPhase = "STARTUP"
	PhaseRunning  MotorPhase = "RUNNING"
	PhaseStopping MotorPhase = "STOPPING"
)

// Electrical constants from spec.md §4.2 step 3.
const (
	InrushCurrentA  = 2.5
	RunningCurrentA = 1.2
	SupplyVoltageV  = 24.0
)

// Wear constants from spec.md §4.2 step 4.
const (
	HealthDecayPerTick  = 1e-4
	AnomalyHealthFloor  = 0.8
	MicroStopHealthFloor = 0.5
	// MicroStopProbability is the per-tick chance of a forced one-tick
	// micro-stoppage once health has dropped below MicroStopHealthFloor.
	MicroStopProbability = 0.01
)

// Motor is one driven axis's substate. Exclusively owned and mutated by its
// simulator; every other component only ever reads a published snapshot.
type Motor struct {
	Axis     string
	Phase    MotorPhase
	CurrentA float64
	VoltageV float64
	// Health is a lock-free box because the Broadcast Hub's snapshot
	// publisher reads it from a different goroutine than the simulator's
	// tick loop writes it from, without an explicit handoff channel.
	Health         *atomicfloat.Float64
	RuntimeSeconds float64
	TriggerCount   uint64
	StoppingTicks  int // countdown while Phase == PhaseStopping
}

// NewMotor returns a motor at rest with full health.
func NewMotor(axis string) *Motor {
	return &Motor{
		Axis:     axis,
		Phase:    PhaseIdle,
		VoltageV: SupplyVoltageV,
		Health:   atomicfloat.New(1.0),
	}
}

// PowerWatts is the instantaneous V*I for this motor.
func (m *Motor) PowerWatts() float64 {
	return m.VoltageV * m.CurrentA
}

// SensorKind distinguishes the three sensor types this cell models.
type SensorKind string

const (
	SensorLightBarrier    SensorKind = "LIGHT_BARRIER"
	SensorReferenceSwitch SensorKind = "REFERENCE_SWITCH"
	SensorTrail           SensorKind = "TRAIL"
)

// Sensor is a single discrete sensor on a device.
type Sensor struct {
	ID           string
	Kind         SensorKind
	Triggered    bool
	TriggerCount uint64
	LastTrigger  int64 // unix nanos of the last rising edge, 0 if never
}

// Vec3 is an axis-dependent position vector. Devices with fewer than 3 axes
// simply leave the unused components at zero.
type Vec3 struct {
	X, Y, Z float64
}

// Device is the coarse, publishable snapshot of one simulated device.
type Device struct {
	ID       DeviceID
	Status   DeviceStatus
	Position Vec3
	Target   Vec3
	HasTarget bool
	Motors   map[string]*Motor
	Sensors  map[string]*Sensor
	// Seq is the per-device monotonically increasing sequence number
	// attached to every published snapshot (spec.md §4.2 step 6).
	Seq uint64
}
