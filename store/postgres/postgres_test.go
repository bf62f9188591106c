package postgres

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/slot-engine/allocation"
)

// These tests need a disposable database. The "postgres" job in
// .github/workflows/ci.yml provides one and sets the variable; locally:
//
//	SLOT_ENGINE_TEST_DATABASE_URL=postgres://localhost:5432/slots_test?sslmode=disable go test ./store/postgres/
func newTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("SLOT_ENGINE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("SLOT_ENGINE_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := NewPool(ctx, url, 8, 1)
	require.NoError(t, err)
	store := New(pool)
	t.Cleanup(store.Close)
	require.NoError(t, store.Migrate(ctx))
	require.NoError(t, store.Reset(ctx))
	return store
}

var nine = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

func setup(t *testing.T, store *Store, capacity int) (*allocation.Engine, allocation.ProviderID, allocation.SlotID) {
	t.Helper()
	ctx := context.Background()
	engine := allocation.NewEngine(store, zerolog.Nop())
	p, err := engine.Ledger().AddProvider(ctx, allocation.Provider{Name: "Dr. Haddad"})
	require.NoError(t, err)
	slots, err := engine.Ledger().CreateSlots(ctx, []allocation.Slot{{
		ProviderID: p.ID, StartTime: nine, EndTime: nine.Add(time.Hour), MaxCapacity: capacity,
	}})
	require.NoError(t, err)
	return engine, p.ID, slots[0].ID
}

func TestMigrate_Idempotent(t *testing.T) {
	store := newTestStore(t)
	assert.NoError(t, store.Migrate(context.Background()))
	assert.NoError(t, store.Ping(context.Background()))
}

func TestBookAndCancel(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	engine, pid, sid := setup(t, store, 1)

	res, err := engine.Book(ctx, allocation.BookRequest{ProviderID: pid, At: nine, PatientName: "A", RequestClass: allocation.ClassWalkIn})
	require.NoError(t, err)
	_, err = engine.Book(ctx, allocation.BookRequest{ProviderID: pid, At: nine, PatientName: "B", RequestClass: allocation.ClassWalkIn})
	require.ErrorIs(t, err, allocation.ErrSlotFull)

	_, err = engine.Cancel(ctx, res.Booking.ID)
	require.NoError(t, err)
	_, err = engine.Cancel(ctx, res.Booking.ID)
	assert.ErrorIs(t, err, allocation.ErrAlreadyCancelled)

	slot, err := store.GetSlot(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, 0, slot.CurrentOccupancy)
}

func TestWithTx_RollsBack(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	_, _, sid := setup(t, store, 3)
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx allocation.Tx) error {
		if _, err := tx.LockSlot(ctx, sid); err != nil {
			return err
		}
		if err := tx.SetOccupancy(ctx, sid, 3); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	slot, err := store.GetSlot(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, 0, slot.CurrentOccupancy)
}

func TestDuplicateProvider(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	p := allocation.Provider{ID: "p-dup", Name: "A", CreatedAt: nine}
	insert := func(tx allocation.Tx) error { return tx.InsertProvider(ctx, p) }
	require.NoError(t, store.WithTx(ctx, insert))
	assert.ErrorIs(t, store.WithTx(ctx, insert), allocation.ErrDuplicateID)
}

func TestConcurrentLastSeats(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	engine, pid, sid := setup(t, store, 4)

	const racers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	won := 0
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Book(ctx, allocation.BookRequest{ProviderID: pid, At: nine, PatientName: "r", RequestClass: allocation.ClassWalkIn})
			if err == nil {
				mu.Lock()
				won++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, allocation.ErrSlotFull)
		}()
	}
	wg.Wait()

	assert.Equal(t, 4, won)
	slot, err := store.GetSlot(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, 4, slot.CurrentOccupancy)
}

func TestTranslate(t *testing.T) {
	assert.NoError(t, translate(nil))
	plain := errors.New("x")
	assert.Same(t, plain, translate(plain))
	assert.Equal(t, `a\%b\_c\\`, escapeLike(`a%b_c\`))

	for _, code := range []string{"40001", "40P01", "55P03"} {
		assert.True(t, allocation.IsRetryable(translate(&pgconn.PgError{Code: code})), code)
	}
	assert.ErrorIs(t, translate(&pgconn.PgError{Code: "23505", ConstraintName: "providers_pkey"}), allocation.ErrDuplicateID)
}
