package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/l1x/crabitat/internal/bus"
	"github.com/l1x/crabitat/internal/core"
	"github.com/l1x/crabitat/internal/store"
)

// CreateColony registers a new tenancy boundary.
func (e *Engine) CreateColony(ctx context.Context, name, description string, repoURL *string) (*core.Colony, error) {
	now := core.NowMS()
	colony := &core.Colony{
		ID:          core.NewID(),
		Name:        name,
		Description: description,
		RepoURL:     repoURL,
		CreatedAtMS: now,
	}
	var events []bus.Event
	err := e.store.WithTx(ctx, func(q *store.Queries) error {
		if err := q.InsertColony(ctx, colony); err != nil {
			return err
		}
		events = append(events, recordEvent(ctx, q, bus.Event{
			Kind:     bus.KindColonyCreated,
			ColonyID: colony.ID,
			Detail:   colony.Name,
		}))
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.publish(events)
	return colony, nil
}

// RegisterCrabRequest carries a crab registration. ID is the crab's stable
// identity; re-registration with the same ID is an upsert.
type RegisterCrabRequest struct {
	ID       string
	ColonyID string
	Name     string
	Role     core.Role
}

// RegisterCrab serializes registration behind the process-wide gate and
// enforces at most one crab per named role per colony, with any exempt.
// The mutex wraps the single check-and-upsert transaction only.
func (e *Engine) RegisterCrab(ctx context.Context, req RegisterCrabRequest) (*core.Crab, error) {
	if !core.ValidRole(req.Role) {
		return nil, fmt.Errorf("unknown role %q", req.Role)
	}

	e.regMu.Lock()
	defer e.regMu.Unlock()

	now := core.NowMS()
	var (
		crab   *core.Crab
		events []bus.Event
	)
	err := e.store.WithTx(ctx, func(q *store.Queries) error {
		if _, err := q.GetColony(ctx, req.ColonyID); err != nil {
			return err
		}
		if req.Role != core.RoleAny {
			holder, err := q.FindCrabByRole(ctx, req.ColonyID, req.Role)
			if err != nil {
				return err
			}
			if holder != nil && holder.ID != req.ID {
				return &core.RoleConflictError{ColonyID: req.ColonyID, Role: req.Role, HolderID: holder.ID}
			}
		}

		state := core.CrabStateIdle
		existing, err := q.GetCrab(ctx, req.ID)
		if err != nil && !errors.Is(err, store.ErrCrabNotFound) {
			return err
		}
		if existing != nil && existing.State == core.CrabStateBusy {
			state = core.CrabStateBusy
		}

		crab = &core.Crab{
			ID:           req.ID,
			ColonyID:     req.ColonyID,
			Name:         req.Name,
			Role:         req.Role,
			State:        state,
			LastSeenAtMS: now,
			UpdatedAtMS:  now,
		}
		if err := q.UpsertCrab(ctx, crab); err != nil {
			return err
		}
		events = append(events, recordEvent(ctx, q, bus.Event{
			Kind:     bus.KindCrabUpdated,
			ColonyID: req.ColonyID,
			CrabID:   req.ID,
			Status:   string(state),
		}))
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.publish(events)
	e.Kick()
	return crab, nil
}

// Heartbeat records crab liveness. An offline crab that heartbeats again
// returns to idle.
func (e *Engine) Heartbeat(ctx context.Context, crabID string) error {
	now := core.NowMS()
	var events []bus.Event
	err := e.store.WithTx(ctx, func(q *store.Queries) error {
		crab, err := q.GetCrab(ctx, crabID)
		if err != nil {
			return err
		}
		if err := q.TouchCrab(ctx, crabID, now); err != nil {
			return err
		}
		if crab.State == core.CrabStateOffline {
			if err := q.SetCrabAssignment(ctx, crabID, core.CrabStateIdle, nil, nil, now); err != nil {
				return err
			}
			events = append(events, recordEvent(ctx, q, bus.Event{
				Kind:     bus.KindCrabUpdated,
				ColonyID: crab.ColonyID,
				CrabID:   crabID,
				Status:   string(core.CrabStateIdle),
			}))
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(events) > 0 {
		e.publish(events)
		e.Kick()
	}
	return nil
}
