package agreement

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"scopeledger/money"
)

// MemoryStore keeps the ledger in process memory. Each agreement and the fee
// balance are guarded by a one-slot channel acting as a row lock, so waiting
// for a lock honours ctx cancellation. Writes are staged per transaction and
// become visible on Commit.
type MemoryStore struct {
	mu         sync.Mutex
	agreements map[int64]Agreement
	locks      map[int64]chan struct{}
	feeLock    chan struct{}
	platform   *Platform
	events     []Event
	payouts    []Payout
	outbox     []OutboxMessage
	nextID     int64
	nextSeq    int64

	outboxMu sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agreements: make(map[int64]Agreement),
		locks:      make(map[int64]chan struct{}),
		feeLock:    make(chan struct{}, 1),
	}
}

func (s *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memTx{
		store:  s,
		staged: make(map[int64]Agreement),
		held:   make(map[int64]chan struct{}),
	}, nil
}

func (s *MemoryStore) EnsureOwner(_ context.Context, owner Identity) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.platform == nil {
		s.platform = &Platform{Owner: owner, TotalFeesCollected: money.Zero()}
	}
	return s.platform.Owner, nil
}

func (s *MemoryStore) GetAgreement(_ context.Context, id int64) (Agreement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agreements[id]
	if !ok {
		return Agreement{}, ErrAgreementNotFound
	}
	return a, nil
}

func (s *MemoryStore) ListAgreements(_ context.Context, filter ListFilter) ([]Agreement, error) {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.agreements))
	for id := range s.agreements {
		if id > filter.AfterID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	var out []Agreement
	for _, id := range ids {
		a := s.agreements[id]
		if filter.Party != "" && !a.IsParty(filter.Party) {
			continue
		}
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		out = append(out, a)
		if len(out) == limit {
			break
		}
	}
	s.mu.Unlock()
	return out, nil
}

func (s *MemoryStore) Events(_ context.Context, agreementID int64) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if e.AgreementID == agreementID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *MemoryStore) Platform(_ context.Context) (Platform, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.platform == nil {
		return Platform{}, fmt.Errorf("agreement: platform ledger not initialised")
	}
	return *s.platform, nil
}

func (s *MemoryStore) CountByStatus(_ context.Context) (map[Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[Status]int, 4)
	for _, a := range s.agreements {
		counts[a.Status]++
	}
	return counts, nil
}

// Payouts returns every committed payout in commit order.
func (s *MemoryStore) Payouts() []Payout {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Payout(nil), s.payouts...)
}

// Outbox returns a snapshot of every outbox message.
func (s *MemoryStore) Outbox() []OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]OutboxMessage(nil), s.outbox...)
}

// ProcessOutbox hands up to limit pending messages to fn. Only one caller
// drains the memory outbox at a time.
func (s *MemoryStore) ProcessOutbox(ctx context.Context, limit, maxAttempts int, fn OutboxHandler) (int, error) {
	s.outboxMu.Lock()
	defer s.outboxMu.Unlock()

	s.mu.Lock()
	var batch []int
	for i, m := range s.outbox {
		if m.Status == OutboxStatusPending {
			batch = append(batch, i)
			if len(batch) == limit {
				break
			}
		}
	}
	msgs := make([]OutboxMessage, len(batch))
	for i, idx := range batch {
		msgs[i] = s.outbox[idx]
	}
	s.mu.Unlock()

	processed := 0
	for i, m := range msgs {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		herr := fn(ctx, m)

		s.mu.Lock()
		slot := &s.outbox[batch[i]]
		if herr != nil {
			slot.Attempts++
			if slot.Attempts >= maxAttempts {
				slot.Status = OutboxStatusDead
			}
		} else {
			slot.Status = OutboxStatusProcessed
			processed++
		}
		s.mu.Unlock()
	}
	return processed, nil
}

func (s *MemoryStore) PendingOutbox(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.outbox {
		if m.Status == OutboxStatusPending {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) lockFor(id int64) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = make(chan struct{}, 1)
		s.locks[id] = l
	}
	return l
}

type memTx struct {
	store *MemoryStore

	staged   map[int64]Agreement
	held     map[int64]chan struct{}
	fees     bool
	platform *Platform
	events   []Event
	payouts  []Payout
	outbox   []OutboxMessage
	done     bool
}

func acquire(ctx context.Context, l chan struct{}) error {
	select {
	case l <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *memTx) InsertAgreement(ctx context.Context, a Agreement) (Agreement, error) {
	if t.done {
		return Agreement{}, errTxDone
	}
	t.store.mu.Lock()
	t.store.nextID++
	a.ID = t.store.nextID
	t.store.mu.Unlock()

	l := t.store.lockFor(a.ID)
	if err := acquire(ctx, l); err != nil {
		return Agreement{}, err
	}
	t.held[a.ID] = l
	t.staged[a.ID] = a
	return a, nil
}

func (t *memTx) LockAgreement(ctx context.Context, id int64) (Agreement, error) {
	if t.done {
		return Agreement{}, errTxDone
	}
	if a, ok := t.staged[id]; ok {
		return a, nil
	}
	if _, err := t.store.GetAgreement(ctx, id); err != nil {
		return Agreement{}, err
	}

	l := t.store.lockFor(id)
	if err := acquire(ctx, l); err != nil {
		return Agreement{}, err
	}
	t.held[id] = l

	a, err := t.store.GetAgreement(ctx, id)
	if err != nil {
		return Agreement{}, err
	}
	t.staged[id] = a
	return a, nil
}

func (t *memTx) UpdateAgreement(_ context.Context, a Agreement) error {
	if t.done {
		return errTxDone
	}
	if _, ok := t.held[a.ID]; !ok {
		return fmt.Errorf("agreement: update of unlocked agreement %d", a.ID)
	}
	t.staged[a.ID] = a
	return nil
}

func (t *memTx) LockPlatform(ctx context.Context) (Platform, error) {
	if t.done {
		return Platform{}, errTxDone
	}
	if t.platform != nil {
		return *t.platform, nil
	}
	if err := acquire(ctx, t.store.feeLock); err != nil {
		return Platform{}, err
	}
	t.fees = true

	p, err := t.store.Platform(ctx)
	if err != nil {
		return Platform{}, err
	}
	t.platform = &p
	return p, nil
}

func (t *memTx) SetFeesCollected(_ context.Context, total money.Amount) error {
	if t.done {
		return errTxDone
	}
	if t.platform == nil {
		return fmt.Errorf("agreement: fee balance not locked")
	}
	if total.Sign() < 0 {
		return fmt.Errorf("agreement: negative fee balance %s", total)
	}
	t.platform.TotalFeesCollected = total
	return nil
}

func (t *memTx) RecordPayout(_ context.Context, p Payout) error {
	if t.done {
		return errTxDone
	}
	t.payouts = append(t.payouts, p)
	return nil
}

func (t *memTx) AppendEvent(_ context.Context, e Event) (Event, error) {
	if t.done {
		return Event{}, errTxDone
	}
	t.store.mu.Lock()
	t.store.nextSeq++
	e.Seq = t.store.nextSeq
	t.store.mu.Unlock()

	msg, err := outboxMessage(e)
	if err != nil {
		return Event{}, err
	}
	t.events = append(t.events, e)
	t.outbox = append(t.outbox, msg)
	return e, nil
}

func (t *memTx) Commit(_ context.Context) error {
	if t.done {
		return errTxDone
	}
	s := t.store
	s.mu.Lock()
	for id, a := range t.staged {
		s.agreements[id] = a
	}
	if t.platform != nil {
		p := *t.platform
		s.platform = &p
	}
	s.events = append(s.events, t.events...)
	s.payouts = append(s.payouts, t.payouts...)
	s.outbox = append(s.outbox, t.outbox...)
	s.mu.Unlock()

	t.release()
	return nil
}

func (t *memTx) Rollback(_ context.Context) error {
	if t.done {
		return nil
	}
	t.release()
	return nil
}

func (t *memTx) release() {
	t.done = true
	for id, l := range t.held {
		<-l
		delete(t.held, id)
	}
	if t.fees {
		<-t.store.feeLock
		t.fees = false
	}
}

var errTxDone = fmt.Errorf("agreement: transaction already finished")
