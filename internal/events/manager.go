// Package events runs the pipeline. A priority queue of per-item events
// feeds a bounded worker pool; each worker derives the item's state, routes
// it to the service bound to that state, persists the mutated tree and
// re-enqueues whatever the service emitted. Per-item serialization is the
// only lock items need: at most one worker ever owns an item.
package events

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rivenmedia/riven/internal/config"
	"github.com/rivenmedia/riven/internal/database"
	"github.com/rivenmedia/riven/internal/media"
)

// Service is one pipeline stage. A zero emit time means "re-enqueue now";
// a future time is a cooldown.
type Service interface {
	Name() string
	Run(ctx context.Context, item *media.Item, emit func(*media.Item, time.Time)) error
}

// Routes binds the pipeline services to the states that need them. A nil
// service leaves its states unrouted; items reaching them stay put and log.
type Routes struct {
	Indexer        Service
	Scrapers       Service
	Downloader     Service
	Filesystem     Service
	PostProcessing Service
}

func (r Routes) table() map[media.State]Service {
	t := make(map[media.State]Service, 5)
	if r.Indexer != nil {
		t[media.StateRequested] = r.Indexer
	}
	if r.Scrapers != nil {
		t[media.StateIndexed] = r.Scrapers
	}
	if r.Downloader != nil {
		t[media.StateScraped] = r.Downloader
	}
	if r.Filesystem != nil {
		t[media.StateDownloaded] = r.Filesystem
	}
	if r.PostProcessing != nil {
		t[media.StateSymlinked] = r.PostProcessing
	}
	return t
}

// Notifier observes state transitions; the websocket hub implements it.
type Notifier func(item *media.Item, previous, next media.State)

// Stats is the queue snapshot the ops API reports.
type Stats struct {
	Queued     int    `json:"queued"`
	Waiting    int    `json:"waiting"`
	InProgress int    `json:"in_progress"`
	Processed  uint64 `json:"processed"`
	Failed     uint64 `json:"failed"`
}

// Manager owns the event queue and the worker pool.
type Manager struct {
	store        *database.Store
	services     map[media.State]Service
	byName       map[string]Service
	ongoingDelay time.Duration
	logger       zerolog.Logger
	notify       Notifier

	mu         sync.Mutex
	heap       queue
	pending    map[int64]*Event // one queued event per item
	waiting    map[int64]*Event // deferred while the item is in progress
	inProgress map[int64]string
	seq        uint64

	wake    chan struct{}
	ready   chan *Event
	workers int
	wg      sync.WaitGroup

	processed atomic.Uint64
	failed    atomic.Uint64
}

// New builds a stopped manager. ongoingDelay is the cooldown before an
// Ongoing or Unreleased item is rechecked; zero falls back to 4h.
func New(store *database.Store, routes Routes, cfg config.EventsConfig, ongoingDelay time.Duration, logger zerolog.Logger) *Manager {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	queueSize := cfg.QueueSize
	if queueSize < 1 {
		queueSize = 64
	}
	if ongoingDelay <= 0 {
		ongoingDelay = 4 * time.Hour
	}
	table := routes.table()
	byName := make(map[string]Service, len(table)+1)
	for _, svc := range table {
		byName[svc.Name()] = svc
	}
	return &Manager{
		store:        store,
		services:     table,
		byName:       byName,
		ongoingDelay: ongoingDelay,
		logger:       logger.With().Str("component", "events").Logger(),
		pending:      make(map[int64]*Event),
		waiting:      make(map[int64]*Event),
		inProgress:   make(map[int64]string),
		wake:         make(chan struct{}, 1),
		ready:        make(chan *Event, queueSize),
		workers:      workers,
	}
}

// RegisterService makes a service reachable by name through EnqueueService
// without binding it to a state. Call before Start.
func (m *Manager) RegisterService(svc Service) {
	m.byName[svc.Name()] = svc
}

// SetNotifier registers a state-transition observer. Call before Start.
func (m *Manager) SetNotifier(n Notifier) { m.notify = n }

// Start launches the dispatcher and the worker pool. It returns
// immediately; cancel the context and call Stop to shut down.
func (m *Manager) Start(ctx context.Context) {
	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.worker(ctx)
	}
	m.wg.Add(1)
	go m.dispatch(ctx)
	m.logger.Info().Int("workers", m.workers).Msg("event manager started")
}

// Stop waits for the dispatcher and all in-flight workers to drain. Queued
// events are dropped; Resume rebuilds them from derived state on next boot.
func (m *Manager) Stop() {
	m.wg.Wait()
	m.logger.Info().Msg("event manager stopped")
}

// Enqueue schedules a pipeline pass for the item. A zero runAt means now.
// The queue holds at most one event per item (the earlier run_at wins);
// events for an item currently being worked are deferred, not dropped.
func (m *Manager) Enqueue(itemID int64, emittedBy string, runAt time.Time) uuid.UUID {
	return m.schedule(&Event{ID: uuid.New(), ItemID: itemID, EmittedBy: emittedBy, RunAt: runAt})
}

// EnqueueService schedules a pass that runs the named service regardless of
// the item's state. The scheduler sweeps use it to push items through stages
// their state would not route to on its own.
func (m *Manager) EnqueueService(itemID int64, service string, runAt time.Time) uuid.UUID {
	return m.schedule(&Event{ID: uuid.New(), ItemID: itemID, EmittedBy: service + "-sweep", Service: service, RunAt: runAt})
}

func (m *Manager) schedule(ev *Event) uuid.UUID {
	if ev.RunAt.IsZero() {
		ev.RunAt = time.Now()
	}

	m.mu.Lock()
	m.seq++
	ev.seq = m.seq
	if _, busy := m.inProgress[ev.ItemID]; busy {
		if w, ok := m.waiting[ev.ItemID]; !ok || ev.RunAt.Before(w.RunAt) {
			m.waiting[ev.ItemID] = ev
		}
		m.mu.Unlock()
		return ev.ID
	}
	if p, ok := m.pending[ev.ItemID]; ok {
		if ev.RunAt.Before(p.RunAt) {
			p.RunAt = ev.RunAt
			p.EmittedBy = ev.EmittedBy
			p.Service = ev.Service
			heap.Fix(&m.heap, p.index)
			m.mu.Unlock()
			m.nudge()
			return p.ID
		}
		m.mu.Unlock()
		return p.ID
	}
	m.pending[ev.ItemID] = ev
	heap.Push(&m.heap, ev)
	m.mu.Unlock()

	m.nudge()
	return ev.ID
}

// Resume re-enqueues every persisted tree that still needs pipeline work.
// States derive from attributes, so a restart picks up exactly where the
// previous process stopped.
func (m *Manager) Resume(ctx context.Context) error {
	ids, err := m.store.ListRootIDs(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	resumed := 0
	for _, id := range ids {
		root, err := m.store.GetTree(ctx, id)
		if err != nil {
			m.logger.Warn().Err(err).Int64("itemID", id).Msg("skipping unreadable tree")
			continue
		}
		switch root.StateAt(now) {
		case media.StateCompleted, media.StatePaused, media.StateFailed:
			continue
		}
		m.Enqueue(id, "resume", time.Time{})
		resumed++
	}
	m.logger.Info().Int("items", resumed).Int("roots", len(ids)).Msg("resumed persisted items")
	return nil
}

// Stats returns a point-in-time queue snapshot.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	s := Stats{
		Queued:     m.heap.Len(),
		Waiting:    len(m.waiting),
		InProgress: len(m.inProgress),
	}
	m.mu.Unlock()
	s.Processed = m.processed.Load()
	s.Failed = m.failed.Load()
	return s
}

func (m *Manager) nudge() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// dispatch pops ready events, claims their items and hands them to the
// workers. It sleeps until the head of the queue is due or a nudge arrives.
func (m *Manager) dispatch(ctx context.Context) {
	defer m.wg.Done()
	defer close(m.ready)

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		now := time.Now()
		var batch []*Event

		m.mu.Lock()
		for m.heap.Len() > 0 && !m.heap[0].RunAt.After(now) {
			ev := heap.Pop(&m.heap).(*Event)
			delete(m.pending, ev.ItemID)
			if _, busy := m.inProgress[ev.ItemID]; busy {
				if w, ok := m.waiting[ev.ItemID]; !ok || ev.RunAt.Before(w.RunAt) {
					m.waiting[ev.ItemID] = ev
				}
				continue
			}
			m.inProgress[ev.ItemID] = ev.EmittedBy
			batch = append(batch, ev)
		}
		wait := time.Duration(-1)
		if m.heap.Len() > 0 {
			if wait = time.Until(m.heap[0].RunAt); wait < 0 {
				wait = 0
			}
		}
		m.mu.Unlock()

		for _, ev := range batch {
			select {
			case m.ready <- ev:
			case <-ctx.Done():
				return
			}
		}

		if wait < 0 {
			select {
			case <-m.wake:
			case <-ctx.Done():
				return
			}
			continue
		}
		timer.Reset(wait)
		select {
		case <-m.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) worker(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case ev, ok := <-m.ready:
			if !ok {
				return
			}
			m.process(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

type followUp struct {
	item *media.Item
	at   time.Time
}

// process runs one event to completion: load, derive, run, persist,
// re-enqueue the service's output.
func (m *Manager) process(ctx context.Context, ev *Event) {
	defer m.finish(ev.ItemID)

	item, err := m.store.GetItem(ctx, ev.ItemID)
	if err != nil {
		if errors.Is(err, database.ErrItemNotFound) {
			m.logger.Debug().Int64("itemID", ev.ItemID).Msg("dropping event for deleted item")
			return
		}
		m.logger.Error().Err(err).Int64("itemID", ev.ItemID).Msg("could not load item for event")
		return
	}

	state := item.State()
	var svc Service
	if ev.Service != "" {
		if svc = m.byName[ev.Service]; svc == nil {
			m.logger.Warn().Str("service", ev.Service).Int64("itemID", ev.ItemID).Msg("dropping event for unknown service")
			return
		}
	} else {
		var ok bool
		if svc, ok = m.services[state]; !ok {
			m.settle(item, state)
			return
		}
	}

	log := m.logger.With().
		Int64("itemID", item.ID).
		Str("title", item.Title).
		Str("state", string(state)).
		Str("service", svc.Name()).
		Logger()
	log.Debug().Str("emittedBy", ev.EmittedBy).Msg("dispatching")

	var emitted []followUp
	emit := func(it *media.Item, at time.Time) {
		if it == nil {
			return
		}
		emitted = append(emitted, followUp{item: it, at: at})
	}

	runErr := svc.Run(ctx, item, emit)
	if runErr != nil && ctx.Err() != nil {
		// Shutdown interrupted the run; derived state resumes it next boot.
		log.Debug().Msg("run cancelled")
		return
	}
	if runErr != nil {
		log.Warn().Err(runErr).Msg("service run failed")
		item.MarkFailed(runErr.Error())
		m.failed.Add(1)
	}

	// One transactional save covers every mutation the run made, including
	// nodes the service created; their ids exist once this returns.
	if err := m.store.SaveTree(ctx, item); err != nil {
		log.Error().Err(err).Msg("could not persist tree")
		return
	}
	m.processed.Add(1)

	next := item.State()
	if m.notify != nil && next != state {
		m.notify(item, state, next)
	}
	if runErr != nil {
		return
	}

	for _, f := range emitted {
		if f.item.ID == 0 {
			log.Warn().Str("title", f.item.Title).Msg("emitted item has no id, dropping")
			continue
		}
		m.Enqueue(f.item.ID, svc.Name(), f.at)
	}
}

// settle handles states with no bound service.
func (m *Manager) settle(item *media.Item, state media.State) {
	log := m.logger.With().Int64("itemID", item.ID).Str("title", item.Title).Logger()
	switch state {
	case media.StateCompleted:
		log.Debug().Msg("item completed")
	case media.StateFailed:
		log.Debug().Str("reason", item.FailedReason).Msg("item failed, waiting for retry")
	case media.StatePaused:
		log.Debug().Msg("item paused")
	case media.StateOngoing, media.StateUnreleased:
		at := time.Now().Add(m.ongoingDelay)
		m.Enqueue(item.ID, "recheck", at)
		log.Debug().Time("runAt", at).Str("state", string(state)).Msg("recheck scheduled")
	default:
		log.Warn().Str("state", string(state)).Msg("no service bound for state")
	}
}

// finish releases the item's in-progress slot and promotes the event that
// arrived while a worker held it.
func (m *Manager) finish(itemID int64) {
	m.mu.Lock()
	delete(m.inProgress, itemID)
	if w, ok := m.waiting[itemID]; ok {
		delete(m.waiting, itemID)
		m.pending[itemID] = w
		heap.Push(&m.heap, w)
	}
	m.mu.Unlock()
	m.nudge()
}
