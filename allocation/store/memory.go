// Package store provides the in-memory allocation.TxStore used by tests,
// the demo scenarios and STORE_DRIVER=memory.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/warp/slot-engine/allocation"
)

// =============================================================================
// MEMORY STORE - Committed state
// =============================================================================

// Memory keeps committed state in maps guarded by mu. Transactions buffer
// their writes and apply them at commit. Per-record channel locks give
// LockSlot / LockBooking their serialization.
type Memory struct {
	mu        sync.RWMutex
	providers map[allocation.ProviderID]allocation.Provider
	slots     map[allocation.SlotID]allocation.Slot
	bookings  map[allocation.BookingID]storedBooking
	seq       int64

	lockMu       sync.Mutex
	slotLocks    map[allocation.SlotID]chan struct{}
	bookingLocks map[allocation.BookingID]chan struct{}

	failMu   sync.Mutex
	failNext error
}

// storedBooking keeps insertion order for stable listing when CreatedAt ties.
type storedBooking struct {
	allocation.Booking
	seq int64
}

func NewMemory() *Memory {
	return &Memory{
		providers:    make(map[allocation.ProviderID]allocation.Provider),
		slots:        make(map[allocation.SlotID]allocation.Slot),
		bookings:     make(map[allocation.BookingID]storedBooking),
		slotLocks:    make(map[allocation.SlotID]chan struct{}),
		bookingLocks: make(map[allocation.BookingID]chan struct{}),
	}
}

// FailNextCommit makes the next commit fail with err after fn succeeded.
// Nothing from that transaction is applied.
func (m *Memory) FailNextCommit(err error) {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	m.failNext = err
}

func (m *Memory) takeFailure() error {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	err := m.failNext
	m.failNext = nil
	return err
}

// Reset drops every provider, slot and booking. Used by the demo scenarios.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers = make(map[allocation.ProviderID]allocation.Provider)
	m.slots = make(map[allocation.SlotID]allocation.Slot)
	m.bookings = make(map[allocation.BookingID]storedBooking)
	return nil
}

// CorruptOccupancy overwrites a slot's stored occupancy without a booking.
// Only the audit tests use it.
func (m *Memory) CorruptOccupancy(id allocation.SlotID, occupancy int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.slots[id]; ok {
		s.CurrentOccupancy = occupancy
		m.slots[id] = s
	}
}

// =============================================================================
// READS
// =============================================================================

func (m *Memory) GetProvider(_ context.Context, id allocation.ProviderID) (*allocation.Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.providers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", allocation.ErrProviderNotFound, id)
	}
	return &p, nil
}

func (m *Memory) ListProviders(_ context.Context) ([]allocation.Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedProviders(m.providers, nil), nil
}

func (m *Memory) GetSlot(_ context.Context, id allocation.SlotID) (*allocation.Slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.slots[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", allocation.ErrSlotNotFound, id)
	}
	return &s, nil
}

func (m *Memory) ListSlots(_ context.Context) ([]allocation.Slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterSlots(m.slots, nil, func(allocation.Slot) bool { return true }), nil
}

func (m *Memory) ListSlotsByProvider(_ context.Context, providerID allocation.ProviderID) ([]allocation.Slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterSlots(m.slots, nil, byProvider(providerID)), nil
}

func (m *Memory) FindSlotsContaining(_ context.Context, providerID allocation.ProviderID, at time.Time) ([]allocation.Slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterSlots(m.slots, nil, containing(providerID, at)), nil
}

func (m *Memory) ListSlotsOverlapping(_ context.Context, providerID allocation.ProviderID, start, end time.Time) ([]allocation.Slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterSlots(m.slots, nil, overlapping(providerID, start, end)), nil
}

func (m *Memory) GetBooking(_ context.Context, id allocation.BookingID) (*allocation.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", allocation.ErrBookingNotFound, id)
	}
	return &b.Booking, nil
}

func (m *Memory) ListBookingsBySlot(_ context.Context, slotID allocation.SlotID, activeOnly bool) ([]allocation.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterBookings(m.bookings, nil, bySlot(slotID, activeOnly)), nil
}

func (m *Memory) SearchBookingsByPatient(_ context.Context, fragment string) ([]allocation.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterBookings(m.bookings, nil, byPatient(fragment)), nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// Writes are buffered in the transaction view and applied under mu at commit.
// If fn returns an error the buffer is discarded. Record locks are released
// either way.
func (m *Memory) WithTx(ctx context.Context, fn func(allocation.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return allocation.TransactionFailed("begin", err)
	}
	tx := newTxView(m)
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

type txView struct {
	m *Memory

	heldSlots    map[allocation.SlotID]chan struct{}
	heldBookings map[allocation.BookingID]chan struct{}

	// pending writes, overlaid on committed state for reads inside the tx
	providers map[allocation.ProviderID]allocation.Provider
	slots     map[allocation.SlotID]allocation.Slot
	bookings  map[allocation.BookingID]storedBooking

	newProviders map[allocation.ProviderID]bool
	newSlots     map[allocation.SlotID]bool
	newBookings  []allocation.BookingID
}

func newTxView(m *Memory) *txView {
	return &txView{
		m:            m,
		heldSlots:    make(map[allocation.SlotID]chan struct{}),
		heldBookings: make(map[allocation.BookingID]chan struct{}),
		providers:    make(map[allocation.ProviderID]allocation.Provider),
		slots:        make(map[allocation.SlotID]allocation.Slot),
		bookings:     make(map[allocation.BookingID]storedBooking),
		newProviders: make(map[allocation.ProviderID]bool),
		newSlots:     make(map[allocation.SlotID]bool),
	}
}

func (tv *txView) commit() error {
	if err := tv.m.takeFailure(); err != nil {
		return allocation.TransactionFailed("commit", err)
	}

	m := tv.m
	m.mu.Lock()
	defer m.mu.Unlock()

	for id := range tv.newProviders {
		if _, ok := m.providers[id]; ok {
			return fmt.Errorf("%w: provider %s", allocation.ErrDuplicateID, id)
		}
	}
	for id := range tv.newSlots {
		if _, ok := m.slots[id]; ok {
			return fmt.Errorf("%w: slot %s", allocation.ErrDuplicateID, id)
		}
		// a concurrent setup transaction may have committed an overlapping slot
		s := tv.slots[id]
		for _, other := range m.slots {
			if other.ProviderID == s.ProviderID && s.Overlaps(other) {
				return &allocation.OverlapError{Slot: s, Existing: other}
			}
		}
	}
	for _, id := range tv.newBookings {
		if _, ok := m.bookings[id]; ok {
			return fmt.Errorf("%w: booking %s", allocation.ErrDuplicateID, id)
		}
	}

	for id, p := range tv.providers {
		m.providers[id] = p
	}
	for id, s := range tv.slots {
		m.slots[id] = s
	}
	for _, id := range tv.newBookings {
		m.seq++
		b := tv.bookings[id]
		b.seq = m.seq
		tv.bookings[id] = b
	}
	for id, b := range tv.bookings {
		m.bookings[id] = b
	}
	return nil
}

func (tv *txView) release() {
	for _, ch := range tv.heldBookings {
		<-ch
	}
	for _, ch := range tv.heldSlots {
		<-ch
	}
	tv.heldBookings = nil
	tv.heldSlots = nil
}

// acquire blocks until ch is free or ctx is done.
func acquire(ctx context.Context, ch chan struct{}) error {
	select {
	case ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return allocation.TransactionFailed("lock", ctx.Err())
	}
}

func (m *Memory) slotLock(id allocation.SlotID) chan struct{} {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	ch, ok := m.slotLocks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		m.slotLocks[id] = ch
	}
	return ch
}

func (m *Memory) bookingLock(id allocation.BookingID) chan struct{} {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	ch, ok := m.bookingLocks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		m.bookingLocks[id] = ch
	}
	return ch
}

// =============================================================================
// TX READS - committed state overlaid with this transaction's writes
// =============================================================================

func (tv *txView) GetProvider(ctx context.Context, id allocation.ProviderID) (*allocation.Provider, error) {
	if p, ok := tv.providers[id]; ok {
		return &p, nil
	}
	return tv.m.GetProvider(ctx, id)
}

func (tv *txView) ListProviders(_ context.Context) ([]allocation.Provider, error) {
	tv.m.mu.RLock()
	defer tv.m.mu.RUnlock()
	return sortedProviders(tv.m.providers, tv.providers), nil
}

func (tv *txView) GetSlot(ctx context.Context, id allocation.SlotID) (*allocation.Slot, error) {
	if s, ok := tv.slots[id]; ok {
		return &s, nil
	}
	return tv.m.GetSlot(ctx, id)
}

func (tv *txView) ListSlots(_ context.Context) ([]allocation.Slot, error) {
	tv.m.mu.RLock()
	defer tv.m.mu.RUnlock()
	return filterSlots(tv.m.slots, tv.slots, func(allocation.Slot) bool { return true }), nil
}

func (tv *txView) ListSlotsByProvider(_ context.Context, providerID allocation.ProviderID) ([]allocation.Slot, error) {
	tv.m.mu.RLock()
	defer tv.m.mu.RUnlock()
	return filterSlots(tv.m.slots, tv.slots, byProvider(providerID)), nil
}

func (tv *txView) FindSlotsContaining(_ context.Context, providerID allocation.ProviderID, at time.Time) ([]allocation.Slot, error) {
	tv.m.mu.RLock()
	defer tv.m.mu.RUnlock()
	return filterSlots(tv.m.slots, tv.slots, containing(providerID, at)), nil
}

func (tv *txView) ListSlotsOverlapping(_ context.Context, providerID allocation.ProviderID, start, end time.Time) ([]allocation.Slot, error) {
	tv.m.mu.RLock()
	defer tv.m.mu.RUnlock()
	return filterSlots(tv.m.slots, tv.slots, overlapping(providerID, start, end)), nil
}

func (tv *txView) GetBooking(ctx context.Context, id allocation.BookingID) (*allocation.Booking, error) {
	if b, ok := tv.bookings[id]; ok {
		return &b.Booking, nil
	}
	return tv.m.GetBooking(ctx, id)
}

func (tv *txView) ListBookingsBySlot(_ context.Context, slotID allocation.SlotID, activeOnly bool) ([]allocation.Booking, error) {
	tv.m.mu.RLock()
	defer tv.m.mu.RUnlock()
	return filterBookings(tv.m.bookings, tv.bookings, bySlot(slotID, activeOnly)), nil
}

func (tv *txView) SearchBookingsByPatient(_ context.Context, fragment string) ([]allocation.Booking, error) {
	tv.m.mu.RLock()
	defer tv.m.mu.RUnlock()
	return filterBookings(tv.m.bookings, tv.bookings, byPatient(fragment)), nil
}

// =============================================================================
// TX WRITES
// =============================================================================

func (tv *txView) LockSlot(ctx context.Context, id allocation.SlotID) (*allocation.Slot, error) {
	if _, held := tv.heldSlots[id]; !held {
		// unknown slots are never locked, so a miss does not leak a lock
		if _, err := tv.GetSlot(ctx, id); err != nil {
			return nil, err
		}
		ch := tv.m.slotLock(id)
		if err := acquire(ctx, ch); err != nil {
			return nil, err
		}
		tv.heldSlots[id] = ch
	}
	return tv.GetSlot(ctx, id)
}

func (tv *txView) SetOccupancy(ctx context.Context, id allocation.SlotID, occupancy int) error {
	if _, held := tv.heldSlots[id]; !held {
		return fmt.Errorf("set occupancy on %s: slot not locked in this transaction", id)
	}
	if occupancy < 0 {
		return fmt.Errorf("set occupancy on %s: negative occupancy %d", id, occupancy)
	}
	s, err := tv.GetSlot(ctx, id)
	if err != nil {
		return err
	}
	s.CurrentOccupancy = occupancy
	tv.slots[id] = *s
	return nil
}

func (tv *txView) LockBooking(ctx context.Context, id allocation.BookingID) (*allocation.Booking, error) {
	if _, held := tv.heldBookings[id]; !held {
		if _, err := tv.GetBooking(ctx, id); err != nil {
			return nil, err
		}
		ch := tv.m.bookingLock(id)
		if err := acquire(ctx, ch); err != nil {
			return nil, err
		}
		tv.heldBookings[id] = ch
	}
	return tv.GetBooking(ctx, id)
}

func (tv *txView) InsertBooking(ctx context.Context, b allocation.Booking) error {
	if !b.Status.Valid() {
		return fmt.Errorf("%w: booking status %q", allocation.ErrInvalidRequest, b.Status)
	}
	if _, err := tv.GetBooking(ctx, b.ID); err == nil {
		return fmt.Errorf("%w: booking %s", allocation.ErrDuplicateID, b.ID)
	}
	if _, err := tv.GetSlot(ctx, b.SlotID); err != nil {
		return err
	}
	tv.bookings[b.ID] = storedBooking{Booking: b}
	tv.newBookings = append(tv.newBookings, b.ID)
	return nil
}

func (tv *txView) UpdateBookingStatus(ctx context.Context, id allocation.BookingID, status allocation.BookingStatus, at time.Time) error {
	if !status.Valid() {
		return fmt.Errorf("%w: booking status %q", allocation.ErrInvalidRequest, status)
	}
	var sb storedBooking
	if pending, ok := tv.bookings[id]; ok {
		sb = pending
	} else {
		tv.m.mu.RLock()
		committed, ok := tv.m.bookings[id]
		tv.m.mu.RUnlock()
		if !ok {
			return fmt.Errorf("%w: %s", allocation.ErrBookingNotFound, id)
		}
		sb = committed
	}
	sb.Status = status
	sb.UpdatedAt = at
	tv.bookings[id] = sb
	return nil
}

func (tv *txView) InsertProvider(ctx context.Context, p allocation.Provider) error {
	if _, err := tv.GetProvider(ctx, p.ID); err == nil {
		return fmt.Errorf("%w: provider %s", allocation.ErrDuplicateID, p.ID)
	}
	tv.providers[p.ID] = p
	tv.newProviders[p.ID] = true
	return nil
}

func (tv *txView) InsertSlot(ctx context.Context, s allocation.Slot) error {
	if _, err := tv.GetSlot(ctx, s.ID); err == nil {
		return fmt.Errorf("%w: slot %s", allocation.ErrDuplicateID, s.ID)
	} else if !errors.Is(err, allocation.ErrSlotNotFound) {
		return err
	}
	if _, err := tv.GetProvider(ctx, s.ProviderID); err != nil {
		return err
	}
	tv.slots[s.ID] = s
	tv.newSlots[s.ID] = true
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func byProvider(providerID allocation.ProviderID) func(allocation.Slot) bool {
	return func(s allocation.Slot) bool { return s.ProviderID == providerID }
}

func containing(providerID allocation.ProviderID, at time.Time) func(allocation.Slot) bool {
	return func(s allocation.Slot) bool { return s.ProviderID == providerID && s.Contains(at) }
}

func overlapping(providerID allocation.ProviderID, start, end time.Time) func(allocation.Slot) bool {
	return func(s allocation.Slot) bool {
		return s.ProviderID == providerID && s.StartTime.Before(end) && start.Before(s.EndTime)
	}
}

func bySlot(slotID allocation.SlotID, activeOnly bool) func(allocation.Booking) bool {
	return func(b allocation.Booking) bool {
		return b.SlotID == slotID && (!activeOnly || b.Status != allocation.StatusCancelled)
	}
}

func byPatient(fragment string) func(allocation.Booking) bool {
	needle := strings.ToLower(fragment)
	return func(b allocation.Booking) bool {
		return strings.Contains(strings.ToLower(b.PatientName), needle)
	}
}

// filterSlots merges committed with overlay (overlay wins) and returns the
// matches ordered by start time, then ID.
func filterSlots(committed, overlay map[allocation.SlotID]allocation.Slot, keep func(allocation.Slot) bool) []allocation.Slot {
	result := []allocation.Slot{}
	for id, s := range committed {
		if o, ok := overlay[id]; ok {
			s = o
		}
		if keep(s) {
			result = append(result, s)
		}
	}
	for id, s := range overlay {
		if _, ok := committed[id]; !ok && keep(s) {
			result = append(result, s)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].StartTime.Equal(result[j].StartTime) {
			return result[i].StartTime.Before(result[j].StartTime)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// filterBookings orders by CreatedAt, then insertion order. Uncommitted
// bookings sort after committed ones with the same CreatedAt.
func filterBookings(committed, overlay map[allocation.BookingID]storedBooking, keep func(allocation.Booking) bool) []allocation.Booking {
	var matched []storedBooking
	for id, b := range committed {
		if o, ok := overlay[id]; ok {
			b = o
		}
		if keep(b.Booking) {
			matched = append(matched, b)
		}
	}
	for id, b := range overlay {
		if _, ok := committed[id]; !ok && keep(b.Booking) {
			b.seq = 1<<62 + b.seq
			matched = append(matched, b)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		if matched[i].seq != matched[j].seq {
			return matched[i].seq < matched[j].seq
		}
		return matched[i].ID < matched[j].ID
	})
	result := make([]allocation.Booking, len(matched))
	for i, b := range matched {
		result[i] = b.Booking
	}
	return result
}

func sortedProviders(committed, overlay map[allocation.ProviderID]allocation.Provider) []allocation.Provider {
	result := make([]allocation.Provider, 0, len(committed)+len(overlay))
	for _, p := range committed {
		result = append(result, p)
	}
	for id, p := range overlay {
		if _, ok := committed[id]; !ok {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].ID < result[j].ID
	})
	return result
}
