package outbox

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time {
	return c.now
}

type sequenceClock struct {
	mu    sync.Mutex
	times []time.Time
	idx   int
}

func (c *sequenceClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.times) == 0 {
		return time.Time{}
	}
	if c.idx >= len(c.times) {
		return c.times[len(c.times)-1]
	}
	t := c.times[c.idx]
	c.idx++

	return t
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type nopExec struct{}

func (nopExec) ExecContext(context.Context, string, ...any) (sql.Result, error) { return nil, nil }

func (nopExec) QueryRowContext(context.Context, string, ...any) *sql.Row { return nil }

// memStore is an in-memory Store used by unit tests.
type memStore struct {
	mu    sync.Mutex
	clock Clock
	seq   int64
	rows  map[uuid.UUID]*Entry

	saveErr      error
	pollErr      error
	markErrs     []error
	markCalls    int
	publishCalls map[uuid.UUID]int
	polls        []PollOptions
}

var _ Store = (*memStore)(nil)

func newMemStore(clock Clock) *memStore {
	return &memStore{
		clock:        clock,
		rows:         make(map[uuid.UUID]*Entry),
		publishCalls: make(map[uuid.UUID]int),
	}
}

func (s *memStore) nextMarkErr() error {
	s.markCalls++
	if len(s.markErrs) == 0 {
		return nil
	}
	err := s.markErrs[0]
	s.markErrs = s.markErrs[1:]

	return err
}

func (s *memStore) SaveAll(_ context.Context, _ Executor, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.saveErr != nil {
		return s.saveErr
	}
	for i := range entries {
		if err := entries[i].Validate(); err != nil {
			return err
		}
		if entries[i].ID == uuid.Nil {
			entries[i].ID = uuid.Must(uuid.NewV7())
		}
		s.seq++
		entries[i].SequenceNumber = s.seq
		entries[i].CreatedAt = s.clock.Now()
		row := entries[i]
		s.rows[row.ID] = &row
	}

	return nil
}

func (s *memStore) sorted() []*Entry {
	out := make([]*Entry, 0, len(s.rows))
	for _, row := range s.rows {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })

	return out
}

func (s *memStore) PollEligible(_ context.Context, opts PollOptions) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.polls = append(s.polls, opts)
	if s.pollErr != nil {
		return nil, s.pollErr
	}
	now := s.clock.Now()
	var out []Entry
	for _, row := range s.sorted() {
		if !row.EligibleAt(now) {
			continue
		}
		if opts.MessageType != "" && row.MessageType != opts.MessageType {
			continue
		}
		if opts.MaxRetries > 0 && row.RetryCount >= opts.MaxRetries {
			continue
		}
		out = append(out, *row)
		if len(out) == opts.Limit {
			break
		}
	}

	return out, nil
}

func (s *memStore) MarkPublished(_ context.Context, ids []uuid.UUID, publishedAt time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.nextMarkErr(); err != nil {
		return 0, err
	}
	var n int64
	for _, id := range ids {
		s.publishCalls[id]++
		row, ok := s.rows[id]
		if !ok || row.PublishedAt != nil {
			continue
		}
		at := publishedAt
		row.PublishedAt = &at
		n++
	}

	return n, nil
}

func (s *memStore) MarkFailed(_ context.Context, id uuid.UUID, errMsg string, nextRetryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.nextMarkErr(); err != nil {
		return err
	}
	row, ok := s.rows[id]
	if !ok || row.PublishedAt != nil {
		return nil
	}
	row.RetryCount++
	row.LastError = errMsg
	next := nextRetryAt
	row.NextRetryAt = &next

	return nil
}

func (s *memStore) MarkDead(_ context.Context, id uuid.UUID, errMsg string, ceiling int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.nextMarkErr(); err != nil {
		return err
	}
	row, ok := s.rows[id]
	if !ok || row.PublishedAt != nil {
		return nil
	}
	row.RetryCount = max(row.RetryCount+1, ceiling)
	row.LastError = errMsg

	return nil
}

func (s *memStore) publishedBefore(cutoff time.Time) []*Entry {
	var out []*Entry
	for _, row := range s.sorted() {
		if row.PublishedAt != nil && row.PublishedAt.Before(cutoff) {
			out = append(out, row)
		}
	}

	return out
}

func (s *memStore) dead(maxRetries int) []*Entry {
	var out []*Entry
	for _, row := range s.sorted() {
		if row.PublishedAt == nil && row.RetryCount >= maxRetries {
			out = append(out, row)
		}
	}

	return out
}

func (s *memStore) CountPublishedOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return int64(len(s.publishedBefore(cutoff))), nil
}

func (s *memStore) DeletePublishedOlderThan(_ context.Context, cutoff time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.deleteRows(s.publishedBefore(cutoff), limit), nil
}

func (s *memStore) CountFailedExceedingRetries(_ context.Context, maxRetries int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return int64(len(s.dead(maxRetries))), nil
}

func (s *memStore) ListFailedExceedingRetries(_ context.Context, maxRetries, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Entry
	for _, row := range s.dead(maxRetries) {
		if len(out) == limit {
			break
		}
		out = append(out, *row)
	}

	return out, nil
}

func (s *memStore) DeleteFailedExceedingRetries(_ context.Context, maxRetries, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.deleteRows(s.dead(maxRetries), limit), nil
}

func (s *memStore) DeleteDeadLetters(_ context.Context, ids []uuid.UUID, maxRetries int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, id := range ids {
		row, ok := s.rows[id]
		if ok && row.PublishedAt == nil && row.RetryCount >= maxRetries {
			delete(s.rows, id)
			n++
		}
	}

	return n, nil
}

func (s *memStore) deleteRows(rows []*Entry, limit int) int64 {
	var n int64
	for _, row := range rows {
		if int(n) == limit {
			break
		}
		delete(s.rows, row.ID)
		n++
	}

	return n
}

func (s *memStore) Metrics(context.Context) (StoreMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var m StoreMetrics
	now := s.clock.Now()
	for _, row := range s.sorted() {
		switch {
		case row.PublishedAt != nil:
			m.Published++
		default:
			if m.Pending == 0 {
				m.OldestPendingAge = now.Sub(row.CreatedAt)
			}
			m.Pending++
			if row.RetryCount > 0 {
				m.Failed++
			}
		}
	}

	return m, nil
}

func (s *memStore) Ping(context.Context) error { return nil }

func (s *memStore) get(id uuid.UUID) Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	return *s.rows[id]
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.rows)
}

// toggleBreaker is a dispatch.CircuitBreaker with a switchable availability.
type toggleBreaker struct {
	mu       sync.Mutex
	open     map[string]bool
	failures map[string]int
}

func newToggleBreaker() *toggleBreaker {
	return &toggleBreaker{open: map[string]bool{}, failures: map[string]int{}}
}

func (b *toggleBreaker) IsAvailable(_ context.Context, service string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return !b.open[service]
}

func (b *toggleBreaker) OnSuccess(context.Context, string) {}

func (b *toggleBreaker) OnFailure(_ context.Context, service string) {
	b.mu.Lock()
	b.failures[service]++
	b.mu.Unlock()
}

func (b *toggleBreaker) setOpen(service string, open bool) {
	b.mu.Lock()
	b.open[service] = open
	b.mu.Unlock()
}

type recordingSinks struct {
	mu       sync.Mutex
	events   []Event
	tasks    []Task
	routes   []string
	eventErr func(Event) error
	taskErr  func(Task) error
	// eventWait runs before an event is recorded, outside the lock.
	eventWait func(ctx context.Context) error
}

func (r *recordingSinks) PublishEvent(ctx context.Context, event Event) error {
	if r.eventWait != nil {
		if err := r.eventWait(ctx); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.eventErr != nil {
		if err := r.eventErr(event); err != nil {
			return err
		}
	}
	r.events = append(r.events, event)

	return nil
}

func (r *recordingSinks) SendTask(_ context.Context, route string, task Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.taskErr != nil {
		if err := r.taskErr(task); err != nil {
			return err
		}
	}
	r.routes = append(r.routes, route)
	r.tasks = append(r.tasks, task)

	return nil
}

func testID(n byte) uuid.UUID {
	var id uuid.UUID
	id[15] = n

	return id
}
