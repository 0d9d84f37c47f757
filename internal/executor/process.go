package executor

import (
	"context"
	"fmt"

	"stf/internal/domain"
	"stf/internal/store"
	"stf/internal/xerrors"
)

// selectProcessSlot resolves automatic slot selection for PROCESS commands
// submitted without an explicit slot (spec.md §9 Open Question, resolved in
// SPEC_FULL.md §10): the lowest slot name, in domain.AllSlotIDs order, whose
// occupying cookie has status RawDough.
func selectProcessSlot(ctx context.Context, st store.Store) (domain.SlotID, error) {
	cookies, err := st.ListCookies(ctx)
	if err != nil {
		return "", fmt.Errorf("executor: list cookies: %w", err)
	}
	bySlot := make(map[domain.SlotID]*domain.Cookie, len(cookies))
	for _, c := range cookies {
		if c.Status == domain.RawDough && c.Slot != "" {
			bySlot[c.Slot] = c
		}
	}
	for _, id := range domain.AllSlotIDs {
		if _, ok := bySlot[id]; ok {
			return id, nil
		}
	}
	return "", xerrors.Operational("no slot holds a RAW_DOUGH cookie", nil)
}

// resolveSlot loads the Slot row a command targets, selecting one
// automatically for PROCESS when cmd.Slot is empty.
func resolveSlot(ctx context.Context, st store.Store, cmd *domain.Command) (*domain.Slot, error) {
	slotID := cmd.Slot
	if slotID == "" && cmd.Kind == domain.KindProcess {
		id, err := selectProcessSlot(ctx, st)
		if err != nil {
			return nil, err
		}
		slotID = id
	}
	if slotID == "" {
		return nil, nil
	}
	slot, err := st.GetSlot(ctx, slotID)
	if err != nil {
		return nil, fmt.Errorf("executor: resolve slot %s: %w", slotID, err)
	}
	return slot, nil
}
