package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"stf/internal/domain"
)

// SQLiteStore is the production Store backing, using the pure-Go
// modernc.org/sqlite driver so the process needs no cgo toolchain to
// persist the queue and device tables spec.md §6 describes. Schema
// mirrors the persistent layout in spec.md §6: the queue table keyed
// (id, status) and (status, created_at); device/slot tables keyed by
// identifier; telemetry/energy tables append-only with (device, timestamp)
// indexes; an append-only alert table with no secondary index.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if necessary) the database at dsn,
// migrates the schema and seeds any missing slot of the default 9-slot
// layout (existing slot rows are left as they are).
func OpenSQLiteStore(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dsn, err)
	}
	db.SetMaxOpenConns(1) // serialize writers; SQLite's own locking plus our claim semantics don't need more

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS commands (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			slot TEXT,
			params TEXT,
			status TEXT NOT NULL,
			devices TEXT,
			executor_id TEXT,
			created_at DATETIME NOT NULL,
			started_at DATETIME,
			completed_at DATETIME,
			result TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_commands_status_created ON commands(status, created_at)`,
		`CREATE TABLE IF NOT EXISTS slots (
			id TEXT PRIMARY KEY,
			row TEXT, column INTEGER, x REAL, y REAL, z REAL, occupant TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS cookies (
			id TEXT PRIMARY KEY,
			batch TEXT, flavor TEXT, expiry DATETIME, status INTEGER,
			carrier TEXT, slot TEXT, created_at DATETIME, archived INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS carriers (
			id TEXT PRIMARY KEY, zone TEXT, locked INTEGER, owning_command INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS telemetry (
			device TEXT, seq INTEGER, ts DATETIME, status TEXT, x REAL, y REAL, z REAL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_telemetry_device_ts ON telemetry(device, ts)`,
		`CREATE TABLE IF NOT EXISTS energy_samples (
			device TEXT, ts DATETIME, watts REAL, cumulative_watt_s REAL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_energy_device_ts ON energy_samples(device, ts)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			severity TEXT, source TEXT, message TEXT, command_id INTEGER, ts DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			level TEXT, component TEXT, message TEXT, command_id INTEGER, ts DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_command_id ON logs(command_id)`,
		`CREATE TABLE IF NOT EXISTS resume_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT, kind TEXT, ts DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS order_history (
			command_id INTEGER PRIMARY KEY, kind TEXT, slot TEXT, cookie_id TEXT,
			final_status TEXT, result TEXT, created_at DATETIME, completed_at DATETIME
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	for _, slot := range domain.DefaultLayout() {
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO slots (id, row, column, x, y, z, occupant) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			string(slot.ID), string(rune(slot.Row)), slot.Column, slot.X, slot.Y, slot.Z, string(slot.Occupant)); err != nil {
			return fmt.Errorf("store: seed slots: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) InsertCommand(ctx context.Context, cmd *domain.Command) (domain.CommandID, error) {
	paramsJSON, err := json.Marshal(cmd.Params)
	if err != nil {
		return 0, fmt.Errorf("store: marshal params: %w", err)
	}
	cmd.Status = domain.StatusPending
	cmd.CreatedAt = now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO commands (kind, slot, params, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		string(cmd.Kind), string(cmd.Slot), string(paramsJSON), string(cmd.Status), cmd.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("store: insert command: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: insert command id: %w", err)
	}
	cmd.ID = domain.CommandID(id)
	return cmd.ID, nil
}

func (s *SQLiteStore) GetCommand(ctx context.Context, id domain.CommandID) (*domain.Command, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, kind, slot, params, status, executor_id, created_at, started_at, completed_at, result
		 FROM commands WHERE id = ?`, int64(id))
	return scanCommand(row)
}

func (s *SQLiteStore) ListCommands(ctx context.Context, status domain.CommandStatus) ([]*domain.Command, error) {
	query := `SELECT id, kind, slot, params, status, executor_id, created_at, started_at, completed_at, result
		 FROM commands`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list commands: %w", err)
	}
	defer rows.Close()

	var out []*domain.Command
	for rows.Next() {
		cmd, err := scanCommandRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cmd)
	}
	return out, rows.Err()
}

// ClaimNext runs the candidate scan and the claiming UPDATE inside a
// single transaction so concurrent executor instances never both win the
// same row (spec.md §4.4: "the claim step is linearisable").
func (s *SQLiteStore) ClaimNext(ctx context.Context, executorID string, filter ClaimFilter) (*domain.Command, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin claim tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, kind, slot, params, status, executor_id, created_at, started_at, completed_at, result
		 FROM commands WHERE status = ? ORDER BY created_at ASC, id ASC`, string(domain.StatusPending))
	if err != nil {
		return nil, fmt.Errorf("store: scan pending: %w", err)
	}
	var candidates []*domain.Command
	for rows.Next() {
		cmd, err := scanCommandRows(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, cmd)
	}
	rows.Close()

	for _, cmd := range candidates {
		if filter != nil && filter(cmd) {
			continue
		}
		startedAt := now()
		res, err := tx.ExecContext(ctx,
			`UPDATE commands SET status = ?, started_at = ?, executor_id = ? WHERE id = ? AND status = ?`,
			string(domain.StatusInProgress), startedAt, executorID, int64(cmd.ID), string(domain.StatusPending))
		if err != nil {
			return nil, fmt.Errorf("store: claim %d: %w", cmd.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil || n == 0 {
			continue // lost the race to another executor, try the next candidate
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("store: commit claim: %w", err)
		}
		cmd.Status = domain.StatusInProgress
		cmd.StartedAt = startedAt
		cmd.ExecutorID = executorID
		return cmd, nil
	}
	return nil, nil
}

// CommitProgress records note as both the command's latest-progress summary
// (for a quick GET /orders/{id} read) and an append-only log row, per
// spec.md §4.4 ("every FSM transition records a progress event") — the
// commands.result column alone only ever showed the most recent transition.
func (s *SQLiteStore) CommitProgress(ctx context.Context, id domain.CommandID, note string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin progress tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE commands SET result = ? WHERE id = ?`, note, int64(id)); err != nil {
		return fmt.Errorf("store: commit progress: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO logs (level, component, message, command_id, ts) VALUES (?, ?, ?, ?, ?)`,
		"INFO", "executor", note, int64(id), now()); err != nil {
		return fmt.Errorf("store: log progress: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) CommitTerminal(ctx context.Context, update TerminalUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin terminal tx: %w", err)
	}
	defer tx.Rollback()

	completedAt := now()
	res, err := tx.ExecContext(ctx,
		`UPDATE commands SET status = ?, completed_at = ?, result = ? WHERE id = ? AND status NOT IN (?, ?)`,
		string(update.Command.Status), completedAt, update.Command.Result, int64(update.Command.ID),
		string(domain.StatusCompleted), string(domain.StatusFailed))
	if err != nil {
		return fmt.Errorf("store: commit terminal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict{What: "command already terminal"}
	}

	if update.Cookie != nil {
		if err := upsertCookie(ctx, tx, update.Cookie); err != nil {
			return err
		}
	}
	if update.Slot != nil {
		if err := upsertSlot(ctx, tx, update.Slot); err != nil {
			return err
		}
	}
	if update.Carrier != nil {
		if err := upsertCarrier(ctx, tx, update.Carrier); err != nil {
			return err
		}
	}
	if update.History != nil {
		h := update.History
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO order_history (command_id, kind, slot, cookie_id, final_status, result, created_at, completed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			int64(h.CommandID), string(h.Kind), string(h.Slot), h.CookieID, string(h.FinalStatus), h.Result, h.CreatedAt, h.CompletedAt,
		); err != nil {
			return fmt.Errorf("store: insert history: %w", err)
		}
	}

	return tx.Commit()
}

func upsertSlot(ctx context.Context, tx *sql.Tx, slot *domain.Slot) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO slots (id, row, column, x, y, z, occupant) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET occupant = excluded.occupant`,
		string(slot.ID), string(rune(slot.Row)), slot.Column, slot.X, slot.Y, slot.Z, string(slot.Occupant))
	if err != nil {
		return fmt.Errorf("store: upsert slot: %w", err)
	}
	return nil
}

func upsertCookie(ctx context.Context, tx *sql.Tx, c *domain.Cookie) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO cookies (id, batch, flavor, expiry, status, carrier, slot, created_at, archived)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, carrier = excluded.carrier, slot = excluded.slot, archived = excluded.archived`,
		c.ID, string(c.Batch), c.Flavor, c.Expiry, int(c.Status), string(c.Carrier), string(c.Slot), c.Created, boolToInt(c.Archived))
	if err != nil {
		return fmt.Errorf("store: upsert cookie: %w", err)
	}
	return nil
}

func upsertCarrier(ctx context.Context, tx *sql.Tx, c *domain.Carrier) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO carriers (id, zone, locked, owning_command) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET zone = excluded.zone, locked = excluded.locked, owning_command = excluded.owning_command`,
		string(c.ID), string(c.Zone), boolToInt(c.Locked), int64(c.OwningCommand))
	if err != nil {
		return fmt.Errorf("store: upsert carrier: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSlot(ctx context.Context, id domain.SlotID) (*domain.Slot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, row, column, x, y, z, occupant FROM slots WHERE id = ?`, string(id))
	return scanSlot(row)
}

func (s *SQLiteStore) ListSlots(ctx context.Context) ([]*domain.Slot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, row, column, x, y, z, occupant FROM slots ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: list slots: %w", err)
	}
	defer rows.Close()
	var out []*domain.Slot
	for rows.Next() {
		var s domain.Slot
		var row string
		var occupant string
		if err := rows.Scan(&s.ID, &row, &s.Column, &s.X, &s.Y, &s.Z, &occupant); err != nil {
			return nil, fmt.Errorf("store: scan slot: %w", err)
		}
		if len(row) > 0 {
			s.Row = domain.Row(row[0])
		}
		s.Occupant = domain.CarrierID(occupant)
		out = append(out, &s)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertSlot(ctx context.Context, slot *domain.Slot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := upsertSlot(ctx, tx, slot); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetCookie(ctx context.Context, id string) (*domain.Cookie, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, batch, flavor, expiry, status, carrier, slot, created_at, archived FROM cookies WHERE id = ?`, id)
	return scanCookie(row)
}

func (s *SQLiteStore) ListCookies(ctx context.Context) ([]*domain.Cookie, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, batch, flavor, expiry, status, carrier, slot, created_at, archived FROM cookies`)
	if err != nil {
		return nil, fmt.Errorf("store: list cookies: %w", err)
	}
	defer rows.Close()
	var out []*domain.Cookie
	for rows.Next() {
		c, err := scanCookieRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertCookie(ctx context.Context, cookie *domain.Cookie) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := upsertCookie(ctx, tx, cookie); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetCarrier(ctx context.Context, id domain.CarrierID) (*domain.Carrier, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, zone, locked, owning_command FROM carriers WHERE id = ?`, string(id))
	var c domain.Carrier
	var zone string
	var locked int
	var owning int64
	if err := row.Scan(&c.ID, &zone, &locked, &owning); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound{What: "carrier"}
		}
		return nil, fmt.Errorf("store: get carrier: %w", err)
	}
	c.Zone = domain.Zone(zone)
	c.Locked = locked != 0
	c.OwningCommand = domain.CommandID(owning)
	return &c, nil
}

func (s *SQLiteStore) UpsertCarrier(ctx context.Context, carrier *domain.Carrier) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := upsertCarrier(ctx, tx, carrier); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) InsertTelemetry(ctx context.Context, sample domain.TelemetrySample) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO telemetry (device, seq, ts, status, x, y, z) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(sample.Device), sample.Seq, sample.Timestamp, string(sample.Status),
		sample.Position.X, sample.Position.Y, sample.Position.Z)
	return err
}

func (s *SQLiteStore) InsertEnergySample(ctx context.Context, sample domain.EnergySample) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO energy_samples (device, ts, watts, cumulative_watt_s) VALUES (?, ?, ?, ?)`,
		string(sample.Device), sample.Timestamp, sample.Watts, sample.CumulativeWattS)
	return err
}

func (s *SQLiteStore) InsertAlert(ctx context.Context, alert domain.Alert) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (severity, source, message, command_id, ts) VALUES (?, ?, ?, ?, ?)`,
		string(alert.Severity), alert.Source, alert.Message, int64(alert.CommandID), alert.Timestamp)
	return err
}

func (s *SQLiteStore) InsertLog(ctx context.Context, entry domain.LogEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO logs (level, component, message, command_id, ts) VALUES (?, ?, ?, ?, ?)`,
		entry.Level, entry.Component, entry.Message, int64(entry.CommandID), entry.Timestamp)
	return err
}

func (s *SQLiteStore) InsertResumeEvent(ctx context.Context, event domain.ResumeEvent) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO resume_events (kind, ts) VALUES (?, ?)`, event.Kind, event.Timestamp)
	return err
}

func (s *SQLiteStore) LatestResumeEvent(ctx context.Context) (*domain.ResumeEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, kind, ts FROM resume_events ORDER BY id DESC LIMIT 1`)
	var ev domain.ResumeEvent
	if err := row.Scan(&ev.ID, &ev.Kind, &ev.Timestamp); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound{What: "resume event"}
		}
		return nil, fmt.Errorf("store: latest resume event: %w", err)
	}
	return &ev, nil
}

func (s *SQLiteStore) ListHistory(ctx context.Context, limit, offset int) ([]*domain.OrderHistory, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT command_id, kind, slot, cookie_id, final_status, result, created_at, completed_at
		 FROM order_history ORDER BY completed_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: list history: %w", err)
	}
	defer rows.Close()
	var out []*domain.OrderHistory
	for rows.Next() {
		var h domain.OrderHistory
		var kind, slot, finalStatus string
		if err := rows.Scan(&h.CommandID, &kind, &slot, &h.CookieID, &finalStatus, &h.Result, &h.CreatedAt, &h.CompletedAt); err != nil {
			return nil, fmt.Errorf("store: scan history: %w", err)
		}
		h.Kind = domain.CommandKind(kind)
		h.Slot = domain.SlotID(slot)
		h.FinalStatus = domain.CommandStatus(finalStatus)
		out = append(out, &h)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PruneTelemetry(ctx context.Context, device domain.DeviceID, keep int) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM telemetry WHERE device = ? AND rowid NOT IN (
			SELECT rowid FROM telemetry WHERE device = ? ORDER BY ts DESC LIMIT ?)`,
		string(device), string(device), keep)
	if err != nil {
		return fmt.Errorf("store: prune telemetry: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM energy_samples WHERE device = ? AND rowid NOT IN (
			SELECT rowid FROM energy_samples WHERE device = ? ORDER BY ts DESC LIMIT ?)`,
		string(device), string(device), keep)
	return err
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type scannable interface {
	Scan(dest ...any) error
}

func scanCommand(row scannable) (*domain.Command, error) {
	cmd, err := scanCommandRows(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound{What: "command"}
	}
	return cmd, err
}

func scanCommandRows(row scannable) (*domain.Command, error) {
	var cmd domain.Command
	var kind, slot, paramsJSON, status string
	var executorID sql.NullString
	var startedAt, completedAt sql.NullTime
	var result sql.NullString

	if err := row.Scan(&cmd.ID, &kind, &slot, &paramsJSON, &status, &executorID, &cmd.CreatedAt, &startedAt, &completedAt, &result); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("store: scan command: %w", err)
	}
	cmd.Kind = domain.CommandKind(kind)
	cmd.Slot = domain.SlotID(slot)
	cmd.Status = domain.CommandStatus(status)
	cmd.ExecutorID = executorID.String
	cmd.StartedAt = startedAt.Time
	cmd.CompletedAt = completedAt.Time
	cmd.Result = result.String
	if paramsJSON != "" {
		_ = json.Unmarshal([]byte(paramsJSON), &cmd.Params)
	}
	return &cmd, nil
}

func scanSlot(row scannable) (*domain.Slot, error) {
	var s domain.Slot
	var row_ string
	var occupant string
	if err := row.Scan(&s.ID, &row_, &s.Column, &s.X, &s.Y, &s.Z, &occupant); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound{What: "slot"}
		}
		return nil, fmt.Errorf("store: scan slot: %w", err)
	}
	if len(row_) > 0 {
		s.Row = domain.Row(row_[0])
	}
	s.Occupant = domain.CarrierID(occupant)
	return &s, nil
}

func scanCookie(row scannable) (*domain.Cookie, error) {
	c, err := scanCookieRows(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound{What: "cookie"}
	}
	return c, err
}

func scanCookieRows(row scannable) (*domain.Cookie, error) {
	var c domain.Cookie
	var batch, carrier, slot string
	var status int
	var archived int
	if err := row.Scan(&c.ID, &batch, &c.Flavor, &c.Expiry, &status, &carrier, &slot, &c.Created, &archived); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("store: scan cookie: %w", err)
	}
	c.Batch = domain.BatchID(batch)
	c.Carrier = domain.CarrierID(carrier)
	c.Slot = domain.SlotID(slot)
	c.Status = domain.CookieStatus(status)
	c.Archived = archived != 0
	return &c, nil
}
