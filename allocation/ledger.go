/*
ledger.go - Slot Ledger: slot lookups and occupancy mutation

PURPOSE:
  Owns the durable record of each bookable window. Resolves
  (provider, instant) to exactly one slot and moves occupancy by exactly one
  inside the engine's transaction.

INVARIANTS:
  - Slots of one provider never overlap. Enforced at creation time
    (CreateSlots) and re-checked on lookup (ErrAmbiguousSlot).
  - Occupancy changes by +1 / -1 only, and only through a Tx.
  - Decrement at zero is a no-op. It is logged and counted as an anomaly
    because it means the occupancy invariant was already broken.
  - Remaining capacity and availability are derived on read (StateOf),
    never stored.

SEE ALSO:
  - engine.go: The only caller of Increment / Decrement
  - audit.go: Detects occupancy drift after the fact
*/
package allocation

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const timeFormat = time.RFC3339

// Ledger is the Slot Ledger.
type Ledger struct {
	store     TxStore
	log       zerolog.Logger
	now       func() time.Time
	anomalies atomic.Int64
}

func NewLedger(store TxStore, log zerolog.Logger) *Ledger {
	return &Ledger{
		store: store,
		log:   log.With().Str("component", "ledger").Logger(),
		now:   time.Now,
	}
}

// =============================================================================
// LOOKUPS
// =============================================================================

// FindContainingSlot returns the slot of providerID whose window contains at.
func (l *Ledger) FindContainingSlot(ctx context.Context, providerID ProviderID, at time.Time) (*Slot, error) {
	return findContainingSlot(ctx, l.store, providerID, at)
}

func findContainingSlot(ctx context.Context, r Store, providerID ProviderID, at time.Time) (*Slot, error) {
	slots, err := r.FindSlotsContaining(ctx, providerID, at.UTC())
	if err != nil {
		return nil, err
	}
	switch len(slots) {
	case 0:
		return nil, fmt.Errorf("%w: provider %s at %s", ErrSlotNotFound, providerID, at.Format(timeFormat))
	case 1:
		return &slots[0], nil
	}
	return nil, fmt.Errorf("%w: provider %s at %s matches %d slots",
		ErrAmbiguousSlot, providerID, at.Format(timeFormat), len(slots))
}

// =============================================================================
// OCCUPANCY - Only inside a transaction
// =============================================================================

// Increment raises occupancy by one and returns the updated slot.
func (l *Ledger) Increment(ctx context.Context, tx Tx, id SlotID) (*Slot, error) {
	slot, err := tx.LockSlot(ctx, id)
	if err != nil {
		return nil, err
	}
	slot.CurrentOccupancy++
	if err := tx.SetOccupancy(ctx, id, slot.CurrentOccupancy); err != nil {
		return nil, err
	}
	return slot, nil
}

// Decrement lowers occupancy by one. At zero nothing is written and floored
// is true.
func (l *Ledger) Decrement(ctx context.Context, tx Tx, id SlotID) (slot *Slot, floored bool, err error) {
	slot, err = tx.LockSlot(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if slot.CurrentOccupancy <= 0 {
		l.anomalies.Add(1)
		l.log.Warn().
			Str("slot_id", string(id)).
			Int("occupancy", slot.CurrentOccupancy).
			Int("capacity", slot.MaxCapacity).
			Msg("occupancy already zero on release; invariant was violated before this call")
		return slot, true, nil
	}
	slot.CurrentOccupancy--
	if err := tx.SetOccupancy(ctx, id, slot.CurrentOccupancy); err != nil {
		return nil, false, err
	}
	return slot, false, nil
}

// Anomalies is the number of floor-at-zero releases seen by this ledger.
func (l *Ledger) Anomalies() int64 { return l.anomalies.Load() }

// =============================================================================
// SETUP - Providers and bulk slot creation
// =============================================================================

// AddProvider registers a provider. Providers are immutable afterwards.
func (l *Ledger) AddProvider(ctx context.Context, p Provider) (*Provider, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("%w: provider name is required", ErrInvalidRequest)
	}
	if p.ID == "" {
		p.ID = NewProviderID()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = l.now().UTC()
	}
	err := l.store.WithTx(ctx, func(tx Tx) error {
		return tx.InsertProvider(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateSlots validates and inserts slots atomically. A slot overlapping an
// existing slot, or another slot in the same batch, fails the whole batch.
func (l *Ledger) CreateSlots(ctx context.Context, slots []Slot) ([]Slot, error) {
	now := l.now().UTC()
	created := make([]Slot, len(slots))
	for i, s := range slots {
		if s.ID == "" {
			s.ID = NewSlotID()
		}
		if s.CreatedAt.IsZero() {
			s.CreatedAt = now
		}
		s.StartTime = s.StartTime.UTC()
		s.EndTime = s.EndTime.UTC()
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if s.CurrentOccupancy != 0 {
			return nil, &InvalidSlotError{Slot: s, Reason: "new slots start with zero occupancy"}
		}
		created[i] = s
	}
	if err := checkBatchOverlap(created); err != nil {
		return nil, err
	}

	err := l.store.WithTx(ctx, func(tx Tx) error {
		checked := make(map[ProviderID]bool)
		for _, s := range created {
			if !checked[s.ProviderID] {
				if _, err := tx.GetProvider(ctx, s.ProviderID); err != nil {
					return err
				}
				checked[s.ProviderID] = true
			}
			existing, err := tx.ListSlotsOverlapping(ctx, s.ProviderID, s.StartTime, s.EndTime)
			if err != nil {
				return err
			}
			if len(existing) > 0 {
				return &OverlapError{Slot: s, Existing: existing[0]}
			}
			if err := tx.InsertSlot(ctx, s); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.log.Info().Int("count", len(created)).Msg("slots created")
	return created, nil
}

func checkBatchOverlap(slots []Slot) error {
	byProvider := make(map[ProviderID][]Slot)
	for _, s := range slots {
		byProvider[s.ProviderID] = append(byProvider[s.ProviderID], s)
	}
	for _, group := range byProvider {
		sort.Slice(group, func(i, j int) bool { return group[i].StartTime.Before(group[j].StartTime) })
		for i := 1; i < len(group); i++ {
			if group[i-1].Overlaps(group[i]) {
				return &OverlapError{Slot: group[i], Existing: group[i-1]}
			}
		}
	}
	return nil
}
