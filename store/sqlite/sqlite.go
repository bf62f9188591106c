/*
Package sqlite provides a SQLite-backed implementation of allocation.TxStore.

PURPOSE:
  Durable storage for providers, slots and bookings. The default driver for
  single-node deployments and the demo server.

KEY TABLES:
  providers: Clinicians; immutable after creation
  slots:     Bookable windows with max_capacity and current_occupancy
  bookings:  One row per patient claim; status moves booked -> terminal

INDEXES:
  - idx_slots_provider_start:  containing-slot lookup (hot path of Book)
  - idx_bookings_slot_created: occupancy audit and per-slot listing
  - idx_bookings_patient:      patient search

CONCURRENCY:
  SQLite has a single writer. Transactions are opened with BEGIN IMMEDIATE
  (_txlock=immediate) so the write lock is taken before the first read;
  the capacity check and the occupancy write therefore run under the same
  lock. The pool is capped at one connection so waiting writers queue in
  database/sql instead of spinning on SQLITE_BUSY.

TIME FORMAT:
  Instants are stored as fixed-width UTC text (nanosecond precision) so
  string comparison in SQL matches chronological order.

USAGE:
  store, err := sqlite.New("./data/slots.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := allocation.NewEngine(store, logger)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - allocation/store.go: Interface definitions
  - allocation/store/memory.go: In-memory implementation for testing
  - store/postgres: Multi-writer implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/slot-engine/allocation"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements allocation.TxStore using SQLite.
type Store struct {
	queries
	db *sql.DB
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{queries: queries{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection; used by /healthz.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS providers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		specialty TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS slots (
		id TEXT PRIMARY KEY,
		provider_id TEXT NOT NULL REFERENCES providers(id),
		start_time TEXT NOT NULL,
		end_time TEXT NOT NULL,
		max_capacity INTEGER NOT NULL CHECK (max_capacity > 0),
		current_occupancy INTEGER NOT NULL DEFAULT 0 CHECK (current_occupancy >= 0),
		created_at TEXT NOT NULL,
		CHECK (end_time > start_time)
	);

	CREATE INDEX IF NOT EXISTS idx_slots_provider_start
		ON slots(provider_id, start_time);

	CREATE TABLE IF NOT EXISTS bookings (
		id TEXT PRIMARY KEY,
		slot_id TEXT NOT NULL REFERENCES slots(id),
		patient_name TEXT NOT NULL,
		request_class TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('booked', 'cancelled', 'completed', 'no-show')),
		override INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_bookings_slot_created
		ON bookings(slot_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_bookings_patient
		ON bookings(patient_name);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Reset deletes all rows. Used by the demo scenarios.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM bookings; DELETE FROM slots; DELETE FROM providers;")
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a BEGIN IMMEDIATE transaction.
// Begin and commit failures are reported as *allocation.TransactionError.
func (s *Store) WithTx(ctx context.Context, fn func(allocation.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return allocation.TransactionFailed("begin", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{queries: queries{q: sqlTx}}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return allocation.TransactionFailed("commit", err)
	}
	return nil
}

// txStore is the Tx view. Every statement runs on the open *sql.Tx; using
// s.db here would wait forever on the single pooled connection.
type txStore struct {
	queries
}

// LockSlot needs no row lock: BEGIN IMMEDIATE already holds the database
// write lock for the whole transaction.
func (ts *txStore) LockSlot(ctx context.Context, id allocation.SlotID) (*allocation.Slot, error) {
	return ts.GetSlot(ctx, id)
}

func (ts *txStore) LockBooking(ctx context.Context, id allocation.BookingID) (*allocation.Booking, error) {
	return ts.GetBooking(ctx, id)
}

func (ts *txStore) SetOccupancy(ctx context.Context, id allocation.SlotID, occupancy int) error {
	res, err := ts.q.ExecContext(ctx, "UPDATE slots SET current_occupancy = ? WHERE id = ?", occupancy, string(id))
	if err != nil {
		return translate(err)
	}
	return expectOne(res, fmt.Errorf("%w: %s", allocation.ErrSlotNotFound, id))
}

func (ts *txStore) InsertBooking(ctx context.Context, b allocation.Booking) error {
	_, err := ts.q.ExecContext(ctx, `
		INSERT INTO bookings (id, slot_id, patient_name, request_class, status, override, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(b.ID), string(b.SlotID), b.PatientName, b.RequestClass.String(), string(b.Status),
		b.Override, formatTime(b.CreatedAt), formatTime(b.UpdatedAt),
	)
	return translate(err)
}

func (ts *txStore) UpdateBookingStatus(ctx context.Context, id allocation.BookingID, status allocation.BookingStatus, at time.Time) error {
	res, err := ts.q.ExecContext(ctx,
		"UPDATE bookings SET status = ?, updated_at = ? WHERE id = ?",
		string(status), formatTime(at), string(id),
	)
	if err != nil {
		return translate(err)
	}
	return expectOne(res, fmt.Errorf("%w: %s", allocation.ErrBookingNotFound, id))
}

func (ts *txStore) InsertProvider(ctx context.Context, p allocation.Provider) error {
	_, err := ts.q.ExecContext(ctx,
		"INSERT INTO providers (id, name, specialty, created_at) VALUES (?, ?, ?, ?)",
		string(p.ID), p.Name, p.Specialty, formatTime(p.CreatedAt),
	)
	return translate(err)
}

func (ts *txStore) InsertSlot(ctx context.Context, s allocation.Slot) error {
	_, err := ts.q.ExecContext(ctx, `
		INSERT INTO slots (id, provider_id, start_time, end_time, max_capacity, current_occupancy, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(s.ID), string(s.ProviderID), formatTime(s.StartTime), formatTime(s.EndTime),
		s.MaxCapacity, s.CurrentOccupancy, formatTime(s.CreatedAt),
	)
	return translate(err)
}

// =============================================================================
// QUERIES - Shared by Store and txStore
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	q querier
}

const (
	slotColumns    = "id, provider_id, start_time, end_time, max_capacity, current_occupancy, created_at"
	bookingColumns = "id, slot_id, patient_name, request_class, status, override, created_at, updated_at"
)

func (qs queries) GetProvider(ctx context.Context, id allocation.ProviderID) (*allocation.Provider, error) {
	var p allocation.Provider
	var createdAt string
	err := qs.q.QueryRowContext(ctx,
		"SELECT id, name, specialty, created_at FROM providers WHERE id = ?", string(id),
	).Scan(&p.ID, &p.Name, &p.Specialty, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", allocation.ErrProviderNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (qs queries) ListProviders(ctx context.Context) ([]allocation.Provider, error) {
	rows, err := qs.q.QueryContext(ctx, "SELECT id, name, specialty, created_at FROM providers ORDER BY name, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []allocation.Provider{}
	for rows.Next() {
		var p allocation.Provider
		var createdAt string
		if err := rows.Scan(&p.ID, &p.Name, &p.Specialty, &createdAt); err != nil {
			return nil, err
		}
		if p.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (qs queries) GetSlot(ctx context.Context, id allocation.SlotID) (*allocation.Slot, error) {
	slots, err := qs.querySlots(ctx, "SELECT "+slotColumns+" FROM slots WHERE id = ?", string(id))
	if err != nil {
		return nil, err
	}
	if len(slots) == 0 {
		return nil, fmt.Errorf("%w: %s", allocation.ErrSlotNotFound, id)
	}
	return &slots[0], nil
}

func (qs queries) ListSlots(ctx context.Context) ([]allocation.Slot, error) {
	return qs.querySlots(ctx, "SELECT "+slotColumns+" FROM slots ORDER BY start_time, id")
}

func (qs queries) ListSlotsByProvider(ctx context.Context, providerID allocation.ProviderID) ([]allocation.Slot, error) {
	return qs.querySlots(ctx,
		"SELECT "+slotColumns+" FROM slots WHERE provider_id = ? ORDER BY start_time, id",
		string(providerID))
}

func (qs queries) FindSlotsContaining(ctx context.Context, providerID allocation.ProviderID, at time.Time) ([]allocation.Slot, error) {
	t := formatTime(at)
	return qs.querySlots(ctx,
		"SELECT "+slotColumns+" FROM slots WHERE provider_id = ? AND start_time <= ? AND end_time > ? ORDER BY start_time, id",
		string(providerID), t, t)
}

func (qs queries) ListSlotsOverlapping(ctx context.Context, providerID allocation.ProviderID, start, end time.Time) ([]allocation.Slot, error) {
	return qs.querySlots(ctx,
		"SELECT "+slotColumns+" FROM slots WHERE provider_id = ? AND start_time < ? AND end_time > ? ORDER BY start_time, id",
		string(providerID), formatTime(end), formatTime(start))
}

func (qs queries) GetBooking(ctx context.Context, id allocation.BookingID) (*allocation.Booking, error) {
	bookings, err := qs.queryBookings(ctx, "SELECT "+bookingColumns+" FROM bookings WHERE id = ?", string(id))
	if err != nil {
		return nil, err
	}
	if len(bookings) == 0 {
		return nil, fmt.Errorf("%w: %s", allocation.ErrBookingNotFound, id)
	}
	return &bookings[0], nil
}

func (qs queries) ListBookingsBySlot(ctx context.Context, slotID allocation.SlotID, activeOnly bool) ([]allocation.Booking, error) {
	query := "SELECT " + bookingColumns + " FROM bookings WHERE slot_id = ?"
	if activeOnly {
		query += " AND status <> 'cancelled'"
	}
	return qs.queryBookings(ctx, query+" ORDER BY created_at, rowid", string(slotID))
}

func (qs queries) SearchBookingsByPatient(ctx context.Context, fragment string) ([]allocation.Booking, error) {
	return qs.queryBookings(ctx,
		"SELECT "+bookingColumns+` FROM bookings
		WHERE LOWER(patient_name) LIKE '%' || LOWER(?) || '%' ESCAPE '\'
		ORDER BY created_at, rowid`,
		escapeLike(fragment))
}

func (qs queries) querySlots(ctx context.Context, query string, args ...any) ([]allocation.Slot, error) {
	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []allocation.Slot{}
	for rows.Next() {
		var s allocation.Slot
		var start, end, createdAt string
		if err := rows.Scan(&s.ID, &s.ProviderID, &start, &end, &s.MaxCapacity, &s.CurrentOccupancy, &createdAt); err != nil {
			return nil, err
		}
		if s.StartTime, err = parseTime(start); err != nil {
			return nil, err
		}
		if s.EndTime, err = parseTime(end); err != nil {
			return nil, err
		}
		if s.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

func (qs queries) queryBookings(ctx context.Context, query string, args ...any) ([]allocation.Booking, error) {
	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []allocation.Booking{}
	for rows.Next() {
		var b allocation.Booking
		var class, status, createdAt, updatedAt string
		if err := rows.Scan(&b.ID, &b.SlotID, &b.PatientName, &class, &status, &b.Override, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if b.RequestClass, err = allocation.ParseRequestClass(class); err != nil {
			return nil, err
		}
		b.Status = allocation.BookingStatus(status)
		if !b.Status.Valid() {
			return nil, fmt.Errorf("booking %s: unknown status %q", b.ID, status)
		}
		if b.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if b.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func expectOne(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// translate maps driver errors onto allocation sentinels. Lock contention
// becomes TransactionFailed; uniqueness violations become ErrDuplicateID.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var sqlErr sqlite3.Error
	if !errors.As(err, &sqlErr) {
		return err
	}
	switch {
	case sqlErr.Code == sqlite3.ErrBusy || sqlErr.Code == sqlite3.ErrLocked:
		return allocation.TransactionFailed("write", err)
	case sqlErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || sqlErr.ExtendedCode == sqlite3.ErrConstraintUnique:
		return fmt.Errorf("%w: %v", allocation.ErrDuplicateID, err)
	}
	return err
}
