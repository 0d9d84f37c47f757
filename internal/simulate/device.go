package simulate

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"stf/internal/broadcast"
	"stf/internal/bus"
	"stf/internal/clock"
	"stf/internal/domain"
	"stf/internal/store"
)

// Action names carried in a command envelope's "action" field. Fixed,
// matching the topic actions enumerated in spec.md §4.2 (e.g.
// stf/hbw/cmd/move, stf/hbw/cmd/gripper, stf/hbw/cmd/stop).
const (
	ActionMove      = "move"
	ActionGripper   = "gripper"
	ActionBelt      = "belt"
	ActionStop      = "stop"
	ActionReset     = "reset"
	ActionEmergency = "emergency"
)

// CommandEnvelope is the wire shape of every stf/<device>/cmd/<action>
// payload. Fields beyond Action are action-specific and decoded loosely so
// unrecognized fields are tolerated, per spec.md §4.3.
type CommandEnvelope struct {
	Action string         `json:"action"`
	X      *float64       `json:"x,omitempty"`
	Y      *float64       `json:"y,omitempty"`
	Z      *float64       `json:"z,omitempty"`
	Open   *bool          `json:"open,omitempty"`
	Speed  *float64       `json:"speed,omitempty"`
	Dir    *float64       `json:"dir,omitempty"`
	Extra  map[string]any `json:"extra,omitempty"`
}

// StatusSnapshot is the full, self-contained per-tick publication on a
// device's status topic (spec.md §4.2 step 6: "snapshots are self-contained,
// not deltas").
type StatusSnapshot struct {
	Device  domain.DeviceID `json:"device"`
	Seq     uint64          `json:"seq"`
	Ts      time.Time       `json:"ts"`
	Status  domain.DeviceStatus `json:"status"`
	Position domain.Vec3    `json:"position"`
	Target   domain.Vec3    `json:"target"`
	// Gripper is the gripper axis position (0 = closed, 1 = open) for
	// devices that carry one (HBW, VGR); always 0 for the Conveyor.
	Gripper  float64        `json:"gripper"`
	Motors   map[string]MotorSnapshot `json:"motors"`
	Sensors  map[string]SensorSnapshot `json:"sensors"`
}

// MotorSnapshot is the publishable subset of a Motor's substate.
type MotorSnapshot struct {
	Phase          domain.MotorPhase `json:"phase"`
	CurrentA       float64           `json:"current_a"`
	VoltageV       float64           `json:"voltage_v"`
	Health         float64           `json:"health"`
	RuntimeSeconds float64           `json:"runtime_seconds"`
	TriggerCount   uint64            `json:"trigger_count"`
}

// SensorSnapshot is the publishable subset of a Sensor's substate.
type SensorSnapshot struct {
	Kind         domain.SensorKind `json:"kind"`
	Triggered    bool              `json:"triggered"`
	TriggerCount uint64            `json:"trigger_count"`
	LastTrigger  int64             `json:"last_trigger"`
}

// Device is implemented by each concrete simulator (HBW, Conveyor, VGR). Run
// drives a shared select loop against this interface rather than repeating
// the loop per device, per the design note in spec.md §9
// ("loop { select { tick, command_msg, cancel } }").
type Device interface {
	ID() domain.DeviceID
	ApplyCommand(env CommandEnvelope) error
	Advance(dt float64, now time.Time) (microStop bool)
	Snapshot() StatusSnapshot
	EmergencyStop()
	Reset()
}

// Run drives one Device's command/tick/cancel loop until ctx is cancelled.
// Every tick it advances the device, publishes the resulting snapshot on the
// bus, records telemetry/energy samples in the store, and fans the snapshot
// out through the Broadcast Hub.
func Run(ctx context.Context, dev Device, b bus.Bus, tick <-chan clock.Tick, st store.Store, hub *broadcast.Hub) {
	unsub := b.Subscribe(bus.CommandTopic(string(dev.ID()), "*"), func(msg bus.Message) {
		var env CommandEnvelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			return // malformed messages are dropped and logged (spec.md §4.2 step 1); logging wired by the adapter boundary
		}
		_ = dev.ApplyCommand(env)
	})
	defer unsub()

	statusTopic := bus.StatusTopic(string(dev.ID()))
	var cumulativeWattS float64

	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-tick:
			if !ok {
				return
			}
			dev.Advance(t.DT.Seconds(), time.Now())
			snap := dev.Snapshot()

			payload, err := json.Marshal(snap)
			if err == nil {
				_ = b.Publish(ctx, statusTopic, payload)
			}

			_ = st.InsertTelemetry(ctx, domain.TelemetrySample{
				Device: dev.ID(), Seq: snap.Seq, Timestamp: snap.Ts,
				Status: snap.Status, Position: snap.Position,
			})
			watts := totalWatts(snap.Motors)
			cumulativeWattS += watts * t.DT.Seconds()
			_ = st.InsertEnergySample(ctx, domain.EnergySample{
				Device: dev.ID(), Timestamp: snap.Ts, Watts: watts,
				CumulativeWattS: cumulativeWattS,
			})

			hub.Publish(broadcast.Event{Kind: "device", Timestamp: snap.Ts, Payload: snap})
		}
	}
}

func totalWatts(motors map[string]MotorSnapshot) float64 {
	var w float64
	for _, m := range motors {
		w += m.VoltageV * m.CurrentA
	}
	return w
}

// newRand returns a simulator-local RNG. Each device seeds independently so
// anomaly/micro-stoppage injection across devices never shares a stream.
func newRand(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}
