/*
Package postgres provides a PostgreSQL-backed allocation.TxStore on pgx/v5.

PURPOSE:
  Multi-writer storage for deployments where more than one engine process
  shares the same slots.

CONCURRENCY:
  Transactions run at READ COMMITTED. Serialization comes from row locks:
    - LockSlot:    SELECT ... FROM slots    WHERE id = $1 FOR UPDATE
    - LockBooking: SELECT ... FROM bookings WHERE id = $1 FOR UPDATE
    - GetProvider inside a Tx locks the provider row, so two batches of
      slots for the same provider cannot both pass the overlap check.
  Bookings for different slots never contend.

ERRORS:
  serialization_failure (40001), deadlock_detected (40P01) and
  lock_not_available (55P03) become *allocation.TransactionError.
  unique_violation (23505) becomes allocation.ErrDuplicateID.

MIGRATION:
  Migrate creates the schema idempotently. Run it through
  `slot-engine migrate` before the first serve.

SEE ALSO:
  - store/sqlite: Single-node implementation
  - allocation/store.go: Interface definitions
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/warp/slot-engine/allocation"
)

// NewPool parses databaseURL, applies pool limits and verifies connectivity.
func NewPool(ctx context.Context, databaseURL string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	cfg.MaxConns = maxConns
	cfg.MinConns = minConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// Store implements allocation.TxStore on a pgx pool.
type Store struct {
	queries
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{queries: queries{q: pool}, pool: pool}
}

func (s *Store) Close() { s.pool.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// PoolStats is a snapshot of connection pool usage, reported by /api/admin/stats.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

func (s *Store) PoolStats() PoolStats {
	stat := s.pool.Stat()
	return PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS providers (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	specialty  TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS slots (
	id                TEXT PRIMARY KEY,
	provider_id       TEXT NOT NULL REFERENCES providers(id),
	start_time        TIMESTAMPTZ NOT NULL,
	end_time          TIMESTAMPTZ NOT NULL,
	max_capacity      INTEGER NOT NULL CHECK (max_capacity > 0),
	current_occupancy INTEGER NOT NULL DEFAULT 0 CHECK (current_occupancy >= 0),
	created_at        TIMESTAMPTZ NOT NULL,
	CHECK (end_time > start_time)
);

CREATE INDEX IF NOT EXISTS idx_slots_provider_start ON slots(provider_id, start_time);

CREATE TABLE IF NOT EXISTS bookings (
	seq           BIGINT GENERATED ALWAYS AS IDENTITY,
	id            TEXT PRIMARY KEY,
	slot_id       TEXT NOT NULL REFERENCES slots(id),
	patient_name  TEXT NOT NULL,
	request_class TEXT NOT NULL,
	status        TEXT NOT NULL CHECK (status IN ('booked', 'cancelled', 'completed', 'no-show')),
	override      BOOLEAN NOT NULL DEFAULT FALSE,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_bookings_slot_created ON bookings(slot_id, created_at, seq);
CREATE INDEX IF NOT EXISTS idx_bookings_patient ON bookings(LOWER(patient_name));
`

// Migrate creates tables and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Reset truncates all tables. Used by the demo scenarios.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "TRUNCATE bookings, slots, providers")
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// If fn returns error, transaction is rolled back.
// If fn returns nil, transaction is committed.
func (s *Store) WithTx(ctx context.Context, fn func(allocation.Tx) error) error {
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return allocation.TransactionFailed("begin", err)
	}
	defer pgTx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := fn(&txStore{queries: queries{q: pgTx}}); err != nil {
		return translate(err)
	}
	if err := pgTx.Commit(ctx); err != nil {
		return allocation.TransactionFailed("commit", err)
	}
	return nil
}

type txStore struct {
	queries
}

// GetProvider locks the provider row for the rest of the transaction.
func (ts *txStore) GetProvider(ctx context.Context, id allocation.ProviderID) (*allocation.Provider, error) {
	return ts.getProvider(ctx, id, " FOR UPDATE")
}

func (ts *txStore) LockSlot(ctx context.Context, id allocation.SlotID) (*allocation.Slot, error) {
	return ts.getSlot(ctx, id, " FOR UPDATE")
}

func (ts *txStore) LockBooking(ctx context.Context, id allocation.BookingID) (*allocation.Booking, error) {
	return ts.getBooking(ctx, id, " FOR UPDATE")
}

func (ts *txStore) SetOccupancy(ctx context.Context, id allocation.SlotID, occupancy int) error {
	tag, err := ts.q.Exec(ctx, "UPDATE slots SET current_occupancy = $1 WHERE id = $2", occupancy, string(id))
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", allocation.ErrSlotNotFound, id)
	}
	return nil
}

func (ts *txStore) InsertBooking(ctx context.Context, b allocation.Booking) error {
	_, err := ts.q.Exec(ctx, `
		INSERT INTO bookings (id, slot_id, patient_name, request_class, status, override, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		string(b.ID), string(b.SlotID), b.PatientName, b.RequestClass.String(), string(b.Status),
		b.Override, b.CreatedAt, b.UpdatedAt,
	)
	return translate(err)
}

func (ts *txStore) UpdateBookingStatus(ctx context.Context, id allocation.BookingID, status allocation.BookingStatus, at time.Time) error {
	tag, err := ts.q.Exec(ctx,
		"UPDATE bookings SET status = $1, updated_at = $2 WHERE id = $3",
		string(status), at, string(id),
	)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", allocation.ErrBookingNotFound, id)
	}
	return nil
}

func (ts *txStore) InsertProvider(ctx context.Context, p allocation.Provider) error {
	_, err := ts.q.Exec(ctx,
		"INSERT INTO providers (id, name, specialty, created_at) VALUES ($1, $2, $3, $4)",
		string(p.ID), p.Name, p.Specialty, p.CreatedAt,
	)
	return translate(err)
}

func (ts *txStore) InsertSlot(ctx context.Context, s allocation.Slot) error {
	_, err := ts.q.Exec(ctx, `
		INSERT INTO slots (id, provider_id, start_time, end_time, max_capacity, current_occupancy, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(s.ID), string(s.ProviderID), s.StartTime, s.EndTime, s.MaxCapacity, s.CurrentOccupancy, s.CreatedAt,
	)
	return translate(err)
}

// =============================================================================
// QUERIES - Shared by Store and txStore
// =============================================================================

// queryable is satisfied by *pgxpool.Pool and pgx.Tx.
type queryable interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	q queryable
}

const (
	slotColumns    = "id, provider_id, start_time, end_time, max_capacity, current_occupancy, created_at"
	bookingColumns = "id, slot_id, patient_name, request_class, status, override, created_at, updated_at"
)

func (qs queries) GetProvider(ctx context.Context, id allocation.ProviderID) (*allocation.Provider, error) {
	return qs.getProvider(ctx, id, "")
}

func (qs queries) getProvider(ctx context.Context, id allocation.ProviderID, lock string) (*allocation.Provider, error) {
	var p allocation.Provider
	var pid string
	err := qs.q.QueryRow(ctx,
		"SELECT id, name, specialty, created_at FROM providers WHERE id = $1"+lock, string(id),
	).Scan(&pid, &p.Name, &p.Specialty, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", allocation.ErrProviderNotFound, id)
	}
	if err != nil {
		return nil, translate(err)
	}
	p.ID = allocation.ProviderID(pid)
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

func (qs queries) ListProviders(ctx context.Context) ([]allocation.Provider, error) {
	rows, err := qs.q.Query(ctx, "SELECT id, name, specialty, created_at FROM providers ORDER BY name, id")
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	result := []allocation.Provider{}
	for rows.Next() {
		var p allocation.Provider
		var pid string
		if err := rows.Scan(&pid, &p.Name, &p.Specialty, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.ID = allocation.ProviderID(pid)
		p.CreatedAt = p.CreatedAt.UTC()
		result = append(result, p)
	}
	return result, rows.Err()
}

func (qs queries) GetSlot(ctx context.Context, id allocation.SlotID) (*allocation.Slot, error) {
	return qs.getSlot(ctx, id, "")
}

func (qs queries) getSlot(ctx context.Context, id allocation.SlotID, lock string) (*allocation.Slot, error) {
	slots, err := qs.querySlots(ctx, "SELECT "+slotColumns+" FROM slots WHERE id = $1"+lock, string(id))
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
		"SELECT "+slotColumns+" FROM slots WHERE provider_id = $1 ORDER BY start_time, id",
		string(providerID))
}

func (qs queries) FindSlotsContaining(ctx context.Context, providerID allocation.ProviderID, at time.Time) ([]allocation.Slot, error) {
	return qs.querySlots(ctx,
		"SELECT "+slotColumns+" FROM slots WHERE provider_id = $1 AND start_time <= $2 AND end_time > $2 ORDER BY start_time, id",
		string(providerID), at.UTC())
}

func (qs queries) ListSlotsOverlapping(ctx context.Context, providerID allocation.ProviderID, start, end time.Time) ([]allocation.Slot, error) {
	return qs.querySlots(ctx,
		"SELECT "+slotColumns+" FROM slots WHERE provider_id = $1 AND start_time < $2 AND end_time > $3 ORDER BY start_time, id",
		string(providerID), end.UTC(), start.UTC())
}

func (qs queries) GetBooking(ctx context.Context, id allocation.BookingID) (*allocation.Booking, error) {
	return qs.getBooking(ctx, id, "")
}

func (qs queries) getBooking(ctx context.Context, id allocation.BookingID, lock string) (*allocation.Booking, error) {
	bookings, err := qs.queryBookings(ctx, "SELECT "+bookingColumns+" FROM bookings WHERE id = $1"+lock, string(id))
	if err != nil {
		return nil, err
	}
	if len(bookings) == 0 {
		return nil, fmt.Errorf("%w: %s", allocation.ErrBookingNotFound, id)
	}
	return &bookings[0], nil
}

func (qs queries) ListBookingsBySlot(ctx context.Context, slotID allocation.SlotID, activeOnly bool) ([]allocation.Booking, error) {
	query := "SELECT " + bookingColumns + " FROM bookings WHERE slot_id = $1"
	if activeOnly {
		query += " AND status <> 'cancelled'"
	}
	return qs.queryBookings(ctx, query+" ORDER BY created_at, seq", string(slotID))
}

func (qs queries) SearchBookingsByPatient(ctx context.Context, fragment string) ([]allocation.Booking, error) {
	return qs.queryBookings(ctx,
		"SELECT "+bookingColumns+` FROM bookings
		WHERE LOWER(patient_name) LIKE '%' || LOWER($1) || '%' ESCAPE '\'
		ORDER BY created_at, seq`,
		escapeLike(fragment))
}

func (qs queries) querySlots(ctx context.Context, query string, args ...any) ([]allocation.Slot, error) {
	rows, err := qs.q.Query(ctx, query, args...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	result := []allocation.Slot{}
	for rows.Next() {
		var s allocation.Slot
		var id, providerID string
		if err := rows.Scan(&id, &providerID, &s.StartTime, &s.EndTime, &s.MaxCapacity, &s.CurrentOccupancy, &s.CreatedAt); err != nil {
			return nil, translate(err)
		}
		s.ID = allocation.SlotID(id)
		s.ProviderID = allocation.ProviderID(providerID)
		s.StartTime, s.EndTime, s.CreatedAt = s.StartTime.UTC(), s.EndTime.UTC(), s.CreatedAt.UTC()
		result = append(result, s)
	}
	return result, translate(rows.Err())
}

func (qs queries) queryBookings(ctx context.Context, query string, args ...any) ([]allocation.Booking, error) {
	rows, err := qs.q.Query(ctx, query, args...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	result := []allocation.Booking{}
	for rows.Next() {
		var b allocation.Booking
		var id, slotID, class, status string
		if err := rows.Scan(&id, &slotID, &b.PatientName, &class, &status, &b.Override, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, translate(err)
		}
		if b.RequestClass, err = allocation.ParseRequestClass(class); err != nil {
			return nil, err
		}
		b.ID = allocation.BookingID(id)
		b.SlotID = allocation.SlotID(slotID)
		b.Status = allocation.BookingStatus(status)
		if !b.Status.Valid() {
			return nil, fmt.Errorf("booking %s: unknown status %q", id, status)
		}
		b.CreatedAt, b.UpdatedAt = b.CreatedAt.UTC(), b.UpdatedAt.UTC()
		result = append(result, b)
	}
	return result, translate(rows.Err())
}

// =============================================================================
// HELPERS
// =============================================================================

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// translate maps Postgres error codes onto allocation sentinels.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "40001", "40P01", "55P03":
		return allocation.TransactionFailed("write", err)
	case "23505":
		return fmt.Errorf("%w: %s", allocation.ErrDuplicateID, pgErr.ConstraintName)
	}
	return err
}
