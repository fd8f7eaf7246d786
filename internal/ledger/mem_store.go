package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/quizforge/billing/internal/model"
	"github.com/quizforge/billing/internal/repository"
)

// MemStore is an in-memory Store used by tests and local tooling.  A
// single mutex held for the duration of WithinTx stands in for the
// database row locks, so units of work serialize the same way the MySQL
// store serializes operations on one user.  Writes go to a staging copy
// that replaces the live state only when fn succeeds, mirroring
// transactional rollback.
type MemStore struct {
	mu    sync.Mutex
	state memState

	// FailAppendOnce, when non-nil, is consumed by the next
	// AppendTransaction call and its error returned before any write.
	// Tests use it to exercise the unique-constraint race path.
	FailAppendOnce func(t *model.TokenTransaction) error
}

type memState struct {
	balances     map[string]*model.Balance
	reservations map[string]*model.Reservation
	journal      []*model.TokenTransaction
	byKey        map[string]*model.TokenTransaction
	processed    map[string]time.Time
	payments     map[int64]*model.Payment
	bySession    map[string]int64
	byIntent     map[string]int64
	nextTxID     int64
	nextPayID    int64
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{state: newMemState()}
}

func newMemState() memState {
	return memState{
		balances:     map[string]*model.Balance{},
		reservations: map[string]*model.Reservation{},
		byKey:        map[string]*model.TokenTransaction{},
		processed:    map[string]time.Time{},
		payments:     map[int64]*model.Payment{},
		bySession:    map[string]int64{},
		byIntent:     map[string]int64{},
		nextTxID:     1,
		nextPayID:    1,
	}
}

func (s memState) clone() memState {
	c := newMemState()
	c.nextTxID, c.nextPayID = s.nextTxID, s.nextPayID
	for k, v := range s.balances {
		b := *v
		c.balances[k] = &b
	}
	for k, v := range s.reservations {
		r := *v
		c.reservations[k] = &r
	}
	for _, t := range s.journal {
		tt := *t
		c.journal = append(c.journal, &tt)
		c.byKey[tt.IdempotencyKey] = &tt
	}
	for k, v := range s.processed {
		c.processed[k] = v
	}
	for k, v := range s.payments {
		p := *v
		c.payments[k] = &p
	}
	for k, v := range s.bySession {
		c.bySession[k] = v
	}
	for k, v := range s.byIntent {
		c.byIntent[k] = v
	}
	return c
}

// WithinTx serializes on the store mutex, runs fn against a staging
// clone and publishes the clone on success.
func (s *MemStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	staged := s.state.clone()
	if err := fn(&memTx{store: s, state: &staged}); err != nil {
		return err
	}
	s.state = staged
	return nil
}

func (s *MemStore) Balance(ctx context.Context, userID string) (*model.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.state.balances[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *MemStore) TransactionByKey(ctx context.Context, key string) (*model.TokenTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.state.byKey[key]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemStore) Reservation(ctx context.Context, id string) (*model.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.state.reservations[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemStore) ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]model.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Reservation
	for _, r := range s.state.reservations {
		if r.State == model.ReservationActive && !r.ExpiresAt.After(now) {
			out = append(out, *r)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemStore) PaymentBySession(ctx context.Context, sessionID string) (*model.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.paymentBySession(sessionID)
}

func (s *MemStore) PaymentByIntent(ctx context.Context, intentID string) (*model.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.paymentByIntent(intentID)
}

func (s *MemStore) EventProcessed(ctx context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.state.processed[eventID]
	return ok, nil
}

func (s *MemStore) UserIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id := range s.state.balances {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *MemStore) JournalSums(ctx context.Context, userID string) (repository.JournalSums, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sums repository.JournalSums
	for _, t := range s.state.journal {
		if t.UserID != userID {
			continue
		}
		switch t.Type {
		case model.TxPurchase:
			sums.Purchased += t.AmountTokens
		case model.TxAdjustment:
			sums.Adjusted += t.AmountTokens
		case model.TxReserve:
			sums.Reserved += t.AmountTokens
		case model.TxCommit:
			sums.Committed += t.AmountTokens
		case model.TxRelease:
			sums.Released += t.AmountTokens
		case model.TxRefund:
			if t.AmountTokens < 0 {
				sums.RefundedAbs += -t.AmountTokens
			} else {
				sums.RefundedAbs += t.AmountTokens
			}
		}
	}
	return sums, nil
}

func (s *MemStore) ActiveReservedTotal(ctx context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, r := range s.state.reservations {
		if r.UserID == userID && r.State == model.ReservationActive {
			total += r.EstimatedTokens
		}
	}
	return total, nil
}

func (s *MemStore) CommittedSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, t := range s.state.journal {
		if t.UserID == userID && t.Type == model.TxCommit && !t.CreatedAt.Before(since) {
			total += t.AmountTokens
		}
	}
	return total, nil
}

// Journal returns a copy of all journal rows for a user in append order.
// Test helper.
func (s *MemStore) Journal(userID string) []model.TokenTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.TokenTransaction
	for _, t := range s.state.journal {
		if userID == "" || t.UserID == userID {
			out = append(out, *t)
		}
	}
	return out
}

func (st *memState) paymentBySession(sessionID string) (*model.Payment, error) {
	id, ok := st.bySession[sessionID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *st.payments[id]
	return &cp, nil
}

func (st *memState) paymentByIntent(intentID string) (*model.Payment, error) {
	if intentID == "" {
		return nil, repository.ErrNotFound
	}
	id, ok := st.byIntent[intentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *st.payments[id]
	return &cp, nil
}

// memTx applies writes to the staging state.  The store mutex is already
// held, so no further locking is needed.
type memTx struct {
	store *MemStore
	state *memState
}

func (t *memTx) BalanceForUpdate(ctx context.Context, userID string) (*model.Balance, error) {
	b, ok := t.state.balances[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (t *memTx) CreateBalance(ctx context.Context, b *model.Balance) error {
	if _, ok := t.state.balances[b.UserID]; ok {
		return repository.ErrDuplicateKey
	}
	b.CreatedAt = time.Now().UTC()
	b.UpdatedAt = b.CreatedAt
	cp := *b
	t.state.balances[b.UserID] = &cp
	return nil
}

func (t *memTx) UpdateBalance(ctx context.Context, b *model.Balance) error {
	cur, ok := t.state.balances[b.UserID]
	if !ok || cur.Version != b.Version {
		return repository.ErrStaleVersion
	}
	b.Version++
	b.UpdatedAt = time.Now().UTC()
	cp := *b
	t.state.balances[b.UserID] = &cp
	return nil
}

func (t *memTx) AppendTransaction(ctx context.Context, tr *model.TokenTransaction) error {
	if hook := t.store.FailAppendOnce; hook != nil {
		t.store.FailAppendOnce = nil
		if err := hook(tr); err != nil {
			return err
		}
	}
	if _, ok := t.state.byKey[tr.IdempotencyKey]; ok {
		return repository.ErrDuplicateKey
	}
	tr.ID = t.state.nextTxID
	t.state.nextTxID++
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = time.Now().UTC()
	}
	cp := *tr
	t.state.journal = append(t.state.journal, &cp)
	t.state.byKey[cp.IdempotencyKey] = &cp
	return nil
}

func (t *memTx) TransactionByKey(ctx context.Context, key string) (*model.TokenTransaction, error) {
	tr, ok := t.state.byKey[key]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *tr
	return &cp, nil
}

func (t *memTx) CreateReservation(ctx context.Context, r *model.Reservation) error {
	if _, ok := t.state.reservations[r.ID]; ok {
		return repository.ErrDuplicateKey
	}
	r.CreatedAt = time.Now().UTC()
	r.UpdatedAt = r.CreatedAt
	cp := *r
	t.state.reservations[r.ID] = &cp
	return nil
}

func (t *memTx) ReservationForUpdate(ctx context.Context, id string) (*model.Reservation, error) {
	r, ok := t.state.reservations[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (t *memTx) TransitionReservation(ctx context.Context, id string, from, to model.ReservationState, committedTokens int64) error {
	r, ok := t.state.reservations[id]
	if !ok || r.State != from {
		return repository.ErrNotFound
	}
	r.State = to
	r.CommittedTokens = committedTokens
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *memTx) HasProcessedEvent(ctx context.Context, eventID string) (bool, error) {
	_, ok := t.state.processed[eventID]
	return ok, nil
}

func (t *memTx) InsertProcessedEvent(ctx context.Context, eventID string) error {
	if _, ok := t.state.processed[eventID]; ok {
		return repository.ErrDuplicateKey
	}
	t.state.processed[eventID] = time.Now().UTC()
	return nil
}

func (t *memTx) PaymentBySession(ctx context.Context, sessionID string) (*model.Payment, error) {
	return t.state.paymentBySession(sessionID)
}

func (t *memTx) PaymentByIntent(ctx context.Context, intentID string) (*model.Payment, error) {
	return t.state.paymentByIntent(intentID)
}

func (t *memTx) CreatePayment(ctx context.Context, p *model.Payment) error {
	if _, ok := t.state.bySession[p.ProviderSessionID]; ok {
		return repository.ErrDuplicateKey
	}
	p.ID = t.state.nextPayID
	t.state.nextPayID++
	p.CreatedAt = time.Now().UTC()
	p.UpdatedAt = p.CreatedAt
	cp := *p
	t.state.payments[cp.ID] = &cp
	t.state.bySession[cp.ProviderSessionID] = cp.ID
	if cp.ProviderPaymentIntentID != "" {
		t.state.byIntent[cp.ProviderPaymentIntentID] = cp.ID
	}
	return nil
}

func (t *memTx) UpdatePayment(ctx context.Context, p *model.Payment) error {
	cur, ok := t.state.payments[p.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if cur.ProviderPaymentIntentID != "" && cur.ProviderPaymentIntentID != p.ProviderPaymentIntentID {
		delete(t.state.byIntent, cur.ProviderPaymentIntentID)
	}
	p.UpdatedAt = time.Now().UTC()
	cp := *p
	t.state.payments[p.ID] = &cp
	if cp.ProviderPaymentIntentID != "" {
		t.state.byIntent[cp.ProviderPaymentIntentID] = cp.ID
	}
	return nil
}
