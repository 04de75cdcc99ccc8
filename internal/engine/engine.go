// Package engine implements the orchestration core: mission expansion,
// the cascade, the scheduler, and the registration gate. All multi-step
// state changes go through single store transactions; per-mission ordering
// is enforced with a keyed mutex held by both the cascade and the
// scheduler's assignment phase.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/l1x/crabitat/internal/burrow"
	"github.com/l1x/crabitat/internal/bus"
	"github.com/l1x/crabitat/internal/core"
	"github.com/l1x/crabitat/internal/notify"
	"github.com/l1x/crabitat/internal/store"
	"github.com/l1x/crabitat/internal/workflow"
)

// A retry step that declares no budget still gets one pass through the loop.
const defaultRetryBudget = 1

// Engine wires the store, registry, bus, and burrow manager into the
// orchestration core.
type Engine struct {
	store    *store.Store
	registry *workflow.Registry
	bus      *bus.Bus
	burrows  *burrow.Manager
	notifier notify.Notifier
	logger   *slog.Logger

	heartbeatTimeout time.Duration

	// regMu serializes crab registration; the only process-wide mutex.
	regMu sync.Mutex

	// missionMu guards missionLocks; each mission gets its own mutex so
	// cascades and assignments within one mission are totally ordered.
	missionMu    sync.Mutex
	missionLocks map[string]*sync.Mutex

	kick chan struct{}
}

// New constructs an engine.
func New(st *store.Store, reg *workflow.Registry, b *bus.Bus, burrows *burrow.Manager, notifier notify.Notifier, heartbeatTimeout time.Duration, logger *slog.Logger) *Engine {
	if notifier == nil {
		notifier = &notify.NoOpNotifier{}
	}
	return &Engine{
		store:            st,
		registry:         reg,
		bus:              b,
		burrows:          burrows,
		notifier:         notifier,
		logger:           logger,
		heartbeatTimeout: heartbeatTimeout,
		missionLocks:     make(map[string]*sync.Mutex),
		kick:             make(chan struct{}, 1),
	}
}

// Registry exposes the loaded workflows for read-only listing.
func (e *Engine) Registry() *workflow.Registry {
	return e.registry
}

// Kick requests a scheduler pass outside the periodic timer. Non-blocking;
// coalesces with a pending request.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Run services kick requests until ctx is done. The periodic tick is
// driven externally (a cron schedule in the daemon).
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.kick:
			if err := e.Tick(ctx); err != nil {
				e.logger.Error("scheduler tick", "err", err)
			}
		}
	}
}

func (e *Engine) lockMission(missionID string) {
	e.missionMu.Lock()
	mu, ok := e.missionLocks[missionID]
	if !ok {
		mu = &sync.Mutex{}
		e.missionLocks[missionID] = mu
	}
	e.missionMu.Unlock()
	mu.Lock()
}

func (e *Engine) unlockMission(missionID string) {
	e.missionMu.Lock()
	mu, ok := e.missionLocks[missionID]
	e.missionMu.Unlock()
	if ok {
		mu.Unlock()
	}
}

// recordEvent persists an event row inside the given transaction and
// returns it for publication after commit.
func recordEvent(ctx context.Context, q *store.Queries, event bus.Event) bus.Event {
	event.AtMS = core.NowMS()
	payload, _ := json.Marshal(event)
	var colonyID, missionID *string
	if event.ColonyID != "" {
		colonyID = &event.ColonyID
	}
	if event.MissionID != "" {
		missionID = &event.MissionID
	}
	// Event rows are advisory; a failed insert must not abort the
	// transition that produced it.
	_ = q.InsertEvent(ctx, &core.Event{
		ID:          core.NewID(),
		ColonyID:    colonyID,
		MissionID:   missionID,
		Kind:        event.Kind,
		Payload:     string(payload),
		CreatedAtMS: event.AtMS,
	})
	return event
}

func (e *Engine) publish(events []bus.Event) {
	for _, event := range events {
		e.bus.Publish(event)
	}
}
