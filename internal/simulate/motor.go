package simulate

import (
	"math/rand"

	"stf/internal/domain"
)

// MotorSim drives one Motor's electrical and wear model per spec.md §4.2
// steps 3-4, keyed to the Axis it powers.
type MotorSim struct {
	Motor *domain.Motor
	rng   *rand.Rand
}

// NewMotorSim returns a simulator wrapping motor, with its own *rand.Rand
// seeded from seed so replay tests are reproducible.
func NewMotorSim(motor *domain.Motor, seed int64) *MotorSim {
	return &MotorSim{Motor: motor, rng: rand.New(rand.NewSource(seed))}
}

// Advance steps the electrical and wear model by one tick. moving reports
// whether the owning axis has an outstanding target this tick; arrived
// reports whether it just reached that target.
func (m *MotorSim) Advance(dt float64, moving, arrived bool) (microStop bool) {
	m.advanceElectrical(moving, arrived)
	return m.advanceWear(dt)
}

func (m *MotorSim) advanceElectrical(moving, arrived bool) {
	mo := m.Motor
	switch mo.Phase {
	case domain.PhaseIdle:
		if moving {
			mo.Phase = domain.PhaseStartup
			mo.CurrentA = domain.InrushCurrentA
		} else {
			mo.CurrentA = 0
		}
	case domain.PhaseStartup:
		mo.Phase = domain.PhaseRunning
		mo.CurrentA = domain.RunningCurrentA
	case domain.PhaseRunning:
		if arrived || !moving {
			mo.Phase = domain.PhaseStopping
			mo.StoppingTicks = 3
			mo.CurrentA = domain.RunningCurrentA / 2
		} else {
			mo.CurrentA = domain.RunningCurrentA
		}
	case domain.PhaseStopping:
		mo.StoppingTicks--
		mo.CurrentA /= 2
		if mo.StoppingTicks <= 0 {
			mo.Phase = domain.PhaseIdle
			mo.CurrentA = 0
		}
	}
	mo.VoltageV = domain.SupplyVoltageV
}

// advanceWear applies the per-tick health decay, anomaly injection, and
// micro-stoppage probability from spec.md §4.2 step 4. Returns true if a
// micro-stoppage was forced this tick.
func (m *MotorSim) advanceWear(dt float64) (microStop bool) {
	mo := m.Motor
	if mo.Phase == domain.PhaseIdle {
		return false
	}

	mo.RuntimeSeconds += dt
	health := mo.Health.Clamp(-domain.HealthDecayPerTick, 0, 1)

	if health < domain.AnomalyHealthFloor {
		perturb := (m.rng.Float64()*2 - 1) * 0.3 // +/-0.3A anomaly
		mo.CurrentA += perturb
		if mo.CurrentA < 0 {
			mo.CurrentA = 0
		}
	}

	if health < domain.MicroStopHealthFloor && m.rng.Float64() < domain.MicroStopProbability {
		mo.Phase = domain.PhaseStopping
		mo.StoppingTicks = 1
		microStop = true
	}

	return microStop
}
