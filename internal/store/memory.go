package store

import (
	"context"
	"sort"
	"sync"

	"stf/internal/domain"
)

// MemoryStore is a single-writer, mutex-guarded Store implementation used
// by the unit tests (cmd/stf always opens a SQLiteStore). Every mutation is
// serialized through one lock rather than relying on a shared ORM session,
// per the design note in spec.md §9.
type MemoryStore struct {
	mu sync.Mutex

	nextCommandID domain.CommandID
	commands      map[domain.CommandID]*domain.Command

	slots    map[domain.SlotID]*domain.Slot
	cookies  map[string]*domain.Cookie
	carriers map[domain.CarrierID]*domain.Carrier

	telemetry    map[domain.DeviceID][]domain.TelemetrySample
	energy       map[domain.DeviceID][]domain.EnergySample
	alerts       []domain.Alert
	logs         []domain.LogEntry
	resumeEvents []domain.ResumeEvent
	history      []*domain.OrderHistory

	nextAlertID int64
	nextLogID   int64
}

// NewMemoryStore returns an empty store seeded with the default 9-slot
// layout.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		commands: make(map[domain.CommandID]*domain.Command),
		slots:    make(map[domain.SlotID]*domain.Slot),
		cookies:  make(map[string]*domain.Cookie),
		carriers: make(map[domain.CarrierID]*domain.Carrier),
		telemetry: make(map[domain.DeviceID][]domain.TelemetrySample),
		energy:    make(map[domain.DeviceID][]domain.EnergySample),
	}
	for _, s := range domain.DefaultLayout() {
		s := s
		m.slots[s.ID] = &s
	}
	return m
}

func (m *MemoryStore) InsertCommand(_ context.Context, cmd *domain.Command) (domain.CommandID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextCommandID++
	cmd.ID = m.nextCommandID
	cmd.Status = domain.StatusPending
	cmd.CreatedAt = now()
	cp := *cmd
	m.commands[cmd.ID] = &cp
	return cmd.ID, nil
}

func (m *MemoryStore) GetCommand(_ context.Context, id domain.CommandID) (*domain.Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd, ok := m.commands[id]
	if !ok {
		return nil, ErrNotFound{What: "command"}
	}
	cp := *cmd
	return &cp, nil
}

func (m *MemoryStore) ListCommands(_ context.Context, status domain.CommandStatus) ([]*domain.Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Command
	for _, cmd := range m.commands {
		if status != "" && cmd.Status != status {
			continue
		}
		cp := *cmd
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out, nil
}

// ClaimNext implements the atomic claim from spec.md §4.4: the single
// oldest PENDING row not blocked by filter transitions to IN_PROGRESS with
// a claim timestamp and executor id, all under the store's one lock so no
// other caller can observe or claim the same row concurrently.
func (m *MemoryStore) ClaimNext(_ context.Context, executorID string, filter ClaimFilter) (*domain.Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []*domain.Command
	for _, cmd := range m.commands {
		if cmd.Status == domain.StatusPending {
			candidates = append(candidates, cmd)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Less(candidates[j]) })

	for _, cmd := range candidates {
		if filter != nil && filter(cmd) {
			continue
		}
		cmd.Status = domain.StatusInProgress
		cmd.StartedAt = now()
		cmd.ExecutorID = executorID
		cp := *cmd
		return &cp, nil
	}
	return nil, nil
}

// CommitProgress records note as both the command's latest-progress summary
// and an append-only log row, matching SQLiteStore's CommitProgress — a bare
// overwrite would lose every transition but the most recent one.
func (m *MemoryStore) CommitProgress(_ context.Context, id domain.CommandID, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd, ok := m.commands[id]
	if !ok {
		return ErrNotFound{What: "command"}
	}
	cmd.Result = note
	m.nextLogID++
	m.logs = append(m.logs, domain.LogEntry{
		ID: m.nextLogID, Level: "INFO", Component: "executor", Message: note, CommandID: id, Timestamp: now(),
	})
	return nil
}

func (m *MemoryStore) CommitTerminal(_ context.Context, update TerminalUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd, ok := m.commands[update.Command.ID]
	if !ok {
		return ErrNotFound{What: "command"}
	}
	if cmd.Status.Terminal() {
		return ErrConflict{What: "command already terminal"}
	}
	cmd.Status = update.Command.Status
	cmd.CompletedAt = now()
	cmd.Result = update.Command.Result

	if update.Cookie != nil {
		cp := *update.Cookie
		m.cookies[cp.ID] = &cp
	}
	if update.Slot != nil {
		cp := *update.Slot
		m.slots[cp.ID] = &cp
	}
	if update.Carrier != nil {
		cp := *update.Carrier
		m.carriers[cp.ID] = &cp
	}
	if update.History != nil {
		hp := *update.History
		m.history = append(m.history, &hp)
	}
	return nil
}

func (m *MemoryStore) GetSlot(_ context.Context, id domain.SlotID) (*domain.Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[id]
	if !ok {
		return nil, ErrNotFound{What: "slot"}
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) ListSlots(_ context.Context) ([]*domain.Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Slot, 0, len(m.slots))
	for _, s := range m.slots {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpsertSlot(_ context.Context, slot *domain.Slot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *slot
	m.slots[slot.ID] = &cp
	return nil
}

func (m *MemoryStore) GetCookie(_ context.Context, id string) (*domain.Cookie, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cookies[id]
	if !ok {
		return nil, ErrNotFound{What: "cookie"}
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) ListCookies(_ context.Context) ([]*domain.Cookie, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Cookie, 0, len(m.cookies))
	for _, c := range m.cookies {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) UpsertCookie(_ context.Context, cookie *domain.Cookie) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *cookie
	m.cookies[cookie.ID] = &cp
	return nil
}

func (m *MemoryStore) GetCarrier(_ context.Context, id domain.CarrierID) (*domain.Carrier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.carriers[id]
	if !ok {
		return nil, ErrNotFound{What: "carrier"}
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) UpsertCarrier(_ context.Context, carrier *domain.Carrier) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *carrier
	m.carriers[carrier.ID] = &cp
	return nil
}

func (m *MemoryStore) InsertTelemetry(_ context.Context, sample domain.TelemetrySample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.telemetry[sample.Device] = append(m.telemetry[sample.Device], sample)
	return nil
}

func (m *MemoryStore) InsertEnergySample(_ context.Context, sample domain.EnergySample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.energy[sample.Device] = append(m.energy[sample.Device], sample)
	return nil
}

func (m *MemoryStore) InsertAlert(_ context.Context, alert domain.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextAlertID++
	alert.ID = m.nextAlertID
	m.alerts = append(m.alerts, alert)
	return nil
}

func (m *MemoryStore) InsertLog(_ context.Context, entry domain.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextLogID++
	entry.ID = m.nextLogID
	m.logs = append(m.logs, entry)
	return nil
}

func (m *MemoryStore) InsertResumeEvent(_ context.Context, event domain.ResumeEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.ID = int64(len(m.resumeEvents)) + 1
	m.resumeEvents = append(m.resumeEvents, event)
	return nil
}

func (m *MemoryStore) LatestResumeEvent(_ context.Context) (*domain.ResumeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.resumeEvents) == 0 {
		return nil, ErrNotFound{What: "resume event"}
	}
	ev := m.resumeEvents[len(m.resumeEvents)-1]
	return &ev, nil
}

func (m *MemoryStore) ListHistory(_ context.Context, limit, offset int) ([]*domain.OrderHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if offset >= len(m.history) {
		return nil, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(m.history) {
		end = len(m.history)
	}
	out := make([]*domain.OrderHistory, end-offset)
	copy(out, m.history[offset:end])
	return out, nil
}

func (m *MemoryStore) PruneTelemetry(_ context.Context, device domain.DeviceID, keep int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rows := m.telemetry[device]; len(rows) > keep {
		m.telemetry[device] = append([]domain.TelemetrySample(nil), rows[len(rows)-keep:]...)
	}
	if rows := m.energy[device]; len(rows) > keep {
		m.energy[device] = append([]domain.EnergySample(nil), rows[len(rows)-keep:]...)
	}
	return nil
}

func (m *MemoryStore) Close() error { return nil }
