// Package fakestore is an in-memory reproduction of the reservation engine's
// ordering and locking semantics, used by the godog acceptance features so
// they can run without a live PostgreSQL instance. It deliberately mirrors
// internal/reservation's algorithm rather than internal/store's SQL, the way
// the teacher's scheduler module ships a memory_store.go alongside its real
// store for fast BDD runs.
package fakestore

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaybroker/broker/internal/cronsched"
)

type messageRow struct {
	id        uuid.UUID
	topicID   uuid.UUID
	payload   json.RawMessage
	createdAt time.Time
	deliverAt *time.Time
	priority  *int
}

type subMessageRow struct {
	subID, msgID    uuid.UUID
	status          string
	attempts        int
	availableAt     *time.Time
	errorStack      *string
	lastHeartbeatAt *time.Time
	progress        json.RawMessage
	staleCount      int
}

type subscriptionRow struct {
	id              uuid.UUID
	topicID         uuid.UUID
	name            string
	consumptionMode string
	startPosition   string
	maxAttempts     int
	retryStrategy   string
	retryDelayMs    int64
	processing      bool
}

type topicRow struct {
	id           uuid.UUID
	name         string
	maxRetention *int
}

type scheduledRow struct {
	id       uuid.UUID
	topicID  uuid.UUID
	cronExpr string
	payload  json.RawMessage
	priority *int
	nextRun  time.Time
	repeats  int // occurrences remaining after the next one, -1 = unlimited
}

// ID returns the topic's generated id.
func (t *topicRow) ID() uuid.UUID { return t.id }

// ID returns the subscription's generated id.
func (s *subscriptionRow) ID() uuid.UUID { return s.id }

// NextRun returns the scheduled row's next cron occurrence.
func (r *scheduledRow) NextRun() time.Time { return r.nextRun }

// Store is a goroutine-safe in-memory stand-in for *store.Store, enough of
// one to drive features/broker.feature.
type Store struct {
	mu sync.Mutex

	topics  map[string]*topicRow
	subs    map[string]*subscriptionRow // keyed by topicID.String()+"/"+name
	subByID map[uuid.UUID]*subscriptionRow
	msgs    map[uuid.UUID]*messageRow
	sm      map[[2]uuid.UUID]*subMessageRow
	byTopic map[uuid.UUID][]uuid.UUID // message insertion order per topic
	scheds  map[uuid.UUID]*scheduledRow
}

func New() *Store {
	return &Store{
		topics:  make(map[string]*topicRow),
		subs:    make(map[string]*subscriptionRow),
		subByID: make(map[uuid.UUID]*subscriptionRow),
		msgs:    make(map[uuid.UUID]*messageRow),
		sm:      make(map[[2]uuid.UUID]*subMessageRow),
		byTopic: make(map[uuid.UUID][]uuid.UUID),
		scheds:  make(map[uuid.UUID]*scheduledRow),
	}
}

func (s *Store) EnsureTopic(name string, maxRetention *int) *topicRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.topics[name]; ok {
		return t
	}
	t := &topicRow{id: uuid.Must(uuid.NewV7()), name: name, maxRetention: maxRetention}
	s.topics[name] = t
	return t
}

func (s *Store) Subscribe(topicID uuid.UUID, name, mode, start string, maxAttempts int, strategy string, delayMs int64) *subscriptionRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := topicID.String() + "/" + name
	if sub, ok := s.subs[key]; ok {
		return sub
	}
	sub := &subscriptionRow{
		id: uuid.Must(uuid.NewV7()), topicID: topicID, name: name,
		consumptionMode: mode, startPosition: start, maxAttempts: maxAttempts,
		retryStrategy: strategy, retryDelayMs: delayMs,
	}
	s.subs[key] = sub
	s.subByID[sub.id] = sub

	if start == "earliest" {
		for _, mid := range s.byTopic[topicID] {
			s.sm[[2]uuid.UUID{sub.id, mid}] = &subMessageRow{subID: sub.id, msgID: mid, status: "waiting", availableAt: s.msgs[mid].deliverAt}
		}
	}
	return sub
}

func (s *Store) Send(topicID uuid.UUID, payload json.RawMessage, deliverAt *time.Time, priority *int) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendLocked(topicID, payload, deliverAt, priority)
}

func (s *Store) sendLocked(topicID uuid.UUID, payload json.RawMessage, deliverAt *time.Time, priority *int) uuid.UUID {
	id := uuid.Must(uuid.NewV7())
	s.msgs[id] = &messageRow{id: id, topicID: topicID, payload: payload, createdAt: time.Now(), deliverAt: deliverAt, priority: priority}
	s.byTopic[topicID] = append(s.byTopic[topicID], id)
	for _, sub := range s.subs {
		if sub.topicID == topicID {
			s.sm[[2]uuid.UUID{sub.id, id}] = &subMessageRow{subID: sub.id, msgID: id, status: "waiting", availableAt: deliverAt}
		}
	}
	return id
}

// Schedule registers a cron-driven scheduled message, reproducing §4.5
// against the in-memory tables. repeats counts the occurrences after the
// first (0 fires once); -1 means unlimited occurrences.
func (s *Store) Schedule(topicID uuid.UUID, cronExpr string, payload json.RawMessage, priority *int, repeats int, from time.Time) (*scheduledRow, error) {
	next, err := cronsched.Next(cronExpr, from)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row := &scheduledRow{
		id: uuid.Must(uuid.NewV7()), topicID: topicID, cronExpr: cronExpr,
		payload: payload, priority: priority, nextRun: next, repeats: repeats,
	}
	s.scheds[row.id] = row
	return row, nil
}

// MaterializeDue reproduces §4.5's due-schedule sweep: any scheduled row
// whose nextRun has passed gets a message materialized and its next
// occurrence advanced (or is retired once its repeat budget is spent).
func (s *Store) MaterializeDue(now time.Time) int {
	s.mu.Lock()
	var due []*scheduledRow
	for _, row := range s.scheds {
		if !row.nextRun.After(now) {
			due = append(due, row)
		}
	}
	s.mu.Unlock()

	materialized := 0
	for _, row := range due {
		s.mu.Lock()
		s.sendLocked(row.topicID, row.payload, nil, row.priority)
		materialized++
		if row.repeats == 0 {
			delete(s.scheds, row.id)
			s.mu.Unlock()
			continue
		}
		if row.repeats > 0 {
			row.repeats--
		}
		next, err := cronsched.Next(row.cronExpr, row.nextRun)
		if err != nil {
			delete(s.scheds, row.id)
			s.mu.Unlock()
			continue
		}
		row.nextRun = next
		s.mu.Unlock()
	}
	return materialized
}

// PendingSchedules returns the count of scheduled rows still outstanding.
func (s *Store) PendingSchedules() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.scheds)
}

// Reserved mirrors reservation.Reserved for the fake store.
type Reserved struct {
	MessageID uuid.UUID
	Attempts  int
	Payload   json.RawMessage
	Priority  *int
}

// ReserveNext reproduces §4.3 Steps A-C against the in-memory tables.
func (s *Store) ReserveNext(subID uuid.UUID, n int) []Reserved {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := s.subByID[subID]
	sequential := sub.consumptionMode == "sequential"
	limit := n
	if sequential {
		if sub.processing {
			return nil
		}
		limit = 1
	}

	now := time.Now()
	var candidates []uuid.UUID
	for k, row := range s.sm {
		if k[0] != subID || row.status != "waiting" {
			continue
		}
		if row.availableAt != nil && row.availableAt.After(now) {
			continue
		}
		candidates = append(candidates, row.msgID)
	}
	sort.Slice(candidates, func(i, j int) bool {
		mi, mj := s.msgs[candidates[i]], s.msgs[candidates[j]]
		pi, pj := priorityOf(mi.priority), priorityOf(mj.priority)
		if pi != pj {
			return pi < pj
		}
		return mi.id.String() < mj.id.String()
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]Reserved, 0, len(candidates))
	for _, mid := range candidates {
		row := s.sm[[2]uuid.UUID{subID, mid}]
		row.status = "processing"
		row.attempts++
		hb := now
		row.lastHeartbeatAt = &hb
		row.progress = nil
		out = append(out, Reserved{MessageID: mid, Attempts: row.attempts, Payload: s.msgs[mid].payload, Priority: s.msgs[mid].priority})
	}
	if len(out) > 0 && sequential {
		sub.processing = true
	}
	return out
}

func priorityOf(p *int) int {
	if p == nil {
		return int(^uint(0) >> 1) // max int: nulls sort last
	}
	return *p
}

func (s *Store) Complete(subID, msgID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.sm[[2]uuid.UUID{subID, msgID}]
	row.status = "completed"
	if sub := s.subByID[subID]; sub.consumptionMode == "sequential" {
		sub.processing = false
	}
}

func (s *Store) Fail(subID, msgID uuid.UUID, errStack string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.sm[[2]uuid.UUID{subID, msgID}]
	sub := s.subByID[subID]
	if row.attempts >= sub.maxAttempts {
		row.status = "failed"
		row.availableAt = nil
	} else {
		delay := time.Duration(sub.retryDelayMs) * time.Millisecond
		if sub.retryStrategy == "exponential" && row.attempts > 1 {
			delay *= time.Duration(1 << uint(row.attempts-1))
		}
		t := time.Now().Add(delay)
		row.status = "waiting"
		row.availableAt = &t
	}
	row.errorStack = &errStack
	if sub.consumptionMode == "sequential" {
		sub.processing = false
	}
}

func (s *Store) Status(subID, msgID uuid.UUID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sm[[2]uuid.UUID{subID, msgID}].status
}

func (s *Store) StaleCount(subID, msgID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sm[[2]uuid.UUID{subID, msgID}].staleCount
}

// ExpireHeartbeat backdates a processing row's heartbeat so the stale
// sweep picks it up, for tests that exercise §4.6 without sleeping.
func (s *Store) ExpireHeartbeat(subID, msgID uuid.UUID, age time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := time.Now().Add(-age)
	s.sm[[2]uuid.UUID{subID, msgID}].lastHeartbeatAt = &t
}

// ResetStale reproduces §4.6 against the in-memory tables.
func (s *Store) ResetStale(timeout time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	affected := 0
	for _, row := range s.sm {
		if row.status != "processing" || row.lastHeartbeatAt == nil || row.lastHeartbeatAt.After(now.Add(-timeout)) {
			continue
		}
		if row.staleCount == 0 {
			row.status = "waiting"
		} else {
			row.status = "failed"
			row.availableAt = nil
		}
		row.staleCount++
		row.lastHeartbeatAt = nil
		if sub := s.subByID[row.subID]; sub != nil {
			sub.processing = false
		}
		affected++
	}
	return affected
}
