// Package roomgraph orchestrates event ingestion: graph validation,
// authorization, state resolution on conflicting heads, persistence and
// the room's current-state pointer. One logical writer per room, any
// number of rooms in parallel.
package roomgraph

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/hearth/database"
	"go.mau.fi/hearth/pdu"
	"go.mau.fi/hearth/stateres"
)

// Kind says how an incoming event relates to the contiguous graph.
type Kind int

const (
	// KindNew events extend the contiguous graph going forwards and
	// update forward extremities and the current state.
	KindNew Kind = iota
	// KindBackfill events extend the graph going backwards. They get
	// full auth and state treatment but never move the extremities or
	// the current-state pointer.
	KindBackfill
	// KindOutlier events fall outside the contiguous graph: state
	// events fetched to authenticate others. Stored without state.
	KindOutlier
)

func (k Kind) String() string {
	switch k {
	case KindNew:
		return "new"
	case KindBackfill:
		return "backfill"
	case KindOutlier:
		return "outlier"
	default:
		return "unknown"
	}
}

// FederationClient is the collaborator that talks to remote servers.
// The graph manager only ever asks it for missing ancestors; delivery
// of the results comes back through Ingest like any other event.
type FederationClient interface {
	Backfill(ctx context.Context, txnID string, roomID id.RoomID, eventIDs []id.EventID, limit int) ([]*pdu.PDU, error)
}

type Config struct {
	// ParkedEventLimit bounds how many events may wait for missing
	// ancestors per room before the oldest is dropped.
	ParkedEventLimit int
	// ParkedRetryLimit bounds backfill attempts per parked event
	// before it is dropped with a logged gap.
	ParkedRetryLimit int
	// BackfillFanout bounds how many distinct missing ancestors a
	// single backfill request may name.
	BackfillFanout int
	// BackfillLimit bounds how many events one backfill response may
	// contain (the depth bound against malicious or broken peers).
	BackfillLimit int
	// BackfillConcurrency bounds in-flight backfill requests across
	// all rooms.
	BackfillConcurrency int64
	EventCacheSize      int
	ResolutionCacheSize int
	// QueueSize is the per-room ingest queue length.
	QueueSize int
}

func (c *Config) applyDefaults() {
	if c.ParkedEventLimit <= 0 {
		c.ParkedEventLimit = 256
	}
	if c.ParkedRetryLimit <= 0 {
		c.ParkedRetryLimit = 3
	}
	if c.BackfillFanout <= 0 {
		c.BackfillFanout = 10
	}
	if c.BackfillLimit <= 0 {
		c.BackfillLimit = 100
	}
	if c.BackfillConcurrency <= 0 {
		c.BackfillConcurrency = 4
	}
	if c.EventCacheSize <= 0 {
		c.EventCacheSize = 4096
	}
	if c.ResolutionCacheSize <= 0 {
		c.ResolutionCacheSize = 128
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
}

type Manager struct {
	DB         *database.Database
	Federation FederationClient
	Resolver   *stateres.Resolver
	Snapshots  *SnapshotStore

	cfg Config
	log zerolog.Logger

	eventCache *lru.Cache[id.EventID, *pdu.PDU]

	roomsLock sync.Mutex
	rooms     map[id.RoomID]*roomWorker

	listeners []OutputListener

	backfillSema *semaphore.Weighted

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

func NewManager(log zerolog.Logger, db *database.Database, federation FederationClient, cfg Config) *Manager {
	cfg.applyDefaults()
	eventCache, err := lru.New[id.EventID, *pdu.PDU](cfg.EventCacheSize)
	if err != nil {
		panic(err)
	}
	m := &Manager{
		DB:           db,
		Federation:   federation,
		Snapshots:    NewSnapshotStore(),
		cfg:          cfg,
		log:          log,
		eventCache:   eventCache,
		rooms:        make(map[id.RoomID]*roomWorker),
		backfillSema: semaphore.NewWeighted(cfg.BackfillConcurrency),
	}
	m.Resolver = stateres.NewResolver(m.fetchEvent, cfg.ResolutionCacheSize)
	return m
}

// Start loads the current snapshot of every known room and begins
// accepting ingestion.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(m.log.WithContext(context.WithoutCancel(ctx)))
	rooms, err := m.DB.Room.GetAll(ctx)
	if err != nil {
		return err
	}
	streamPos, err := m.DB.Room.CurrentStreamPosition(ctx)
	if err != nil {
		return err
	}
	for _, room := range rooms {
		if room.CurrentStateGroup == 0 {
			continue
		}
		state, err := m.DB.StateGroup.GetMap(ctx, room.CurrentStateGroup)
		if err != nil {
			return err
		}
		extremities, err := m.DB.Room.GetForwardExtremities(ctx, room.RoomID)
		if err != nil {
			return err
		}
		m.Snapshots.Swap(&StateSnapshot{
			RoomID:         room.RoomID,
			StateGroup:     room.CurrentStateGroup,
			State:          state,
			Extremities:    extremities,
			StreamPosition: streamPos,
		})
	}
	m.log.Info().Int("rooms", len(rooms)).Msg("Graph manager started")
	return nil
}

// Stop drains nothing: queued tasks fail with ErrManagerStopped and
// in-flight backfills are cancelled. Per-event atomicity means nothing
// is left half-applied.
func (m *Manager) Stop() {
	m.roomsLock.Lock()
	m.stopped = true
	m.roomsLock.Unlock()
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

type ingestTask struct {
	evt    *pdu.PDU
	kind   Kind
	result chan error
}

type roomWorker struct {
	roomID id.RoomID
	queue  chan *ingestTask
	// parked is only touched by the worker goroutine.
	parked *parkingLot
}

func (m *Manager) worker(roomID id.RoomID) (*roomWorker, error) {
	m.roomsLock.Lock()
	defer m.roomsLock.Unlock()
	if m.stopped {
		return nil, ErrManagerStopped
	}
	w, ok := m.rooms[roomID]
	if !ok {
		w = &roomWorker{
			roomID: roomID,
			queue:  make(chan *ingestTask, m.cfg.QueueSize),
			parked: newParkingLot(m.cfg.ParkedEventLimit),
		}
		m.rooms[roomID] = w
		m.wg.Add(1)
		go m.runWorker(w)
	}
	return w, nil
}

// runWorker is the room's single logical writer: it takes each ingest
// transition to completion before the next event for the room begins.
func (m *Manager) runWorker(w *roomWorker) {
	defer m.wg.Done()
	log := m.log.With().Stringer("room_id", w.roomID).Logger()
	ctx := log.WithContext(m.ctx)
	for {
		select {
		case task := <-w.queue:
			err := m.process(ctx, w, task.evt, task.kind)
			if task.result != nil {
				task.result <- err
			}
		case <-m.ctx.Done():
			m.failPending(w)
			return
		}
	}
}

func (m *Manager) failPending(w *roomWorker) {
	for {
		select {
		case task := <-w.queue:
			if task.result != nil {
				task.result <- ErrManagerStopped
			}
		default:
			return
		}
	}
}

// Ingest runs one event through the graph state machine and reports
// its terminal disposition. Duplicate submissions return
// database.ErrDuplicateEvent, which callers treat as success.
func (m *Manager) Ingest(ctx context.Context, evt *pdu.PDU, kind Kind) error {
	if evt.RoomID == "" || evt.EventID == "" {
		return ErrMalformedGraph
	}
	w, err := m.worker(evt.RoomID)
	if err != nil {
		return err
	}
	task := &ingestTask{evt: evt, kind: kind, result: make(chan error, 1)}
	select {
	case w.queue <- task:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.ctx.Done():
		return ErrManagerStopped
	}
	select {
	case err := <-task.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.ctx.Done():
		return ErrManagerStopped
	}
}

// enqueueInternal is used by backfill delivery and park retries, where
// nobody is waiting on the result. It must never block: the room's own
// worker calls it, so waiting on a full queue would deadlock the room.
func (m *Manager) enqueueInternal(w *roomWorker, evt *pdu.PDU, kind Kind) {
	select {
	case w.queue <- &ingestTask{evt: evt, kind: kind}:
	case <-m.ctx.Done():
	default:
		m.log.Warn().
			Stringer("room_id", w.roomID).
			Stringer("event_id", evt.EventID).
			Msg("Dropping internal ingest, room queue is full")
	}
}

// fetchEvent is the shared read path for auth and resolution: LRU in
// front of the event store. Only returns events that are actually
// stored; parked events are invisible.
func (m *Manager) fetchEvent(ctx context.Context, eventID id.EventID) (*pdu.PDU, error) {
	if cached, ok := m.eventCache.Get(eventID); ok {
		return cached, nil
	}
	evt, err := m.DB.Event.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	m.eventCache.Add(eventID, &evt.PDU)
	return &evt.PDU, nil
}

// StateAt returns the resolved state visible at the given event (the
// state after it). Cached in the store as a state group, not re-derived
// on each call.
func (m *Manager) StateAt(ctx context.Context, eventID id.EventID) (pdu.StateMap, error) {
	evt, err := m.DB.Event.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if evt.StateGroupID == 0 {
		return nil, ErrMissingAncestor
	}
	return m.DB.StateGroup.GetMap(ctx, evt.StateGroupID)
}

// CurrentState returns the room's current resolved state snapshot.
func (m *Manager) CurrentState(roomID id.RoomID) (*StateSnapshot, error) {
	snapshot := m.Snapshots.Current(roomID)
	if snapshot == nil {
		return nil, ErrRoomNotFound
	}
	return snapshot, nil
}
