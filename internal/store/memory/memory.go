// Package memory is an in-process implementation of the store used by tests.
// A unit of work holds the store lock for its whole duration, which gives the
// same per-transaction serialization as row locks, and is rolled back on error.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/festpay/webhook-gateway/internal/models"
	"github.com/festpay/webhook-gateway/internal/reconcile"
	"github.com/festpay/webhook-gateway/internal/store"
)

type eventKey struct {
	integrationID uuid.UUID
	eventID       string
}

type txnKey struct {
	integrationID uuid.UUID
	externalID    string
}

type effectKey struct {
	transactionID uuid.UUID
	edge          string
	kind          models.EffectKind
}

type deliveryKey struct {
	eventID      uuid.UUID
	subscriberID uuid.UUID
}

// ProcessedEvent is the dedup record kept for each accepted delivery
type ProcessedEvent struct {
	Provider  models.ProviderKind
	Outcome   models.Outcome
	CreatedAt time.Time
}

type state struct {
	integrations map[uuid.UUID]models.PaymentIntegration
	events       map[eventKey]ProcessedEvent
	transactions map[uuid.UUID]models.PaymentTransaction
	txnIndex     map[txnKey]uuid.UUID
	effects      map[uuid.UUID]models.Effect
	effectIndex  map[effectKey]uuid.UUID
	subscribers  map[uuid.UUID]models.Subscriber
	deliveries   map[uuid.UUID]models.Delivery
	deliveryIdx  map[deliveryKey]uuid.UUID
	attempts     []models.DeliveryAttempt
}

func newState() state {
	return state{
		integrations: map[uuid.UUID]models.PaymentIntegration{},
		events:       map[eventKey]ProcessedEvent{},
		transactions: map[uuid.UUID]models.PaymentTransaction{},
		txnIndex:     map[txnKey]uuid.UUID{},
		effects:      map[uuid.UUID]models.Effect{},
		effectIndex:  map[effectKey]uuid.UUID{},
		subscribers:  map[uuid.UUID]models.Subscriber{},
		deliveries:   map[uuid.UUID]models.Delivery{},
		deliveryIdx:  map[deliveryKey]uuid.UUID{},
	}
}

func (s state) clone() state {
	c := newState()
	for k, v := range s.integrations {
		c.integrations[k] = v
	}
	for k, v := range s.events {
		c.events[k] = v
	}
	for k, v := range s.transactions {
		v.Metadata = copyMap(v.Metadata)
		c.transactions[k] = v
	}
	for k, v := range s.txnIndex {
		c.txnIndex[k] = v
	}
	for k, v := range s.effects {
		c.effects[k] = v
	}
	for k, v := range s.effectIndex {
		c.effectIndex[k] = v
	}
	for k, v := range s.subscribers {
		c.subscribers[k] = v
	}
	for k, v := range s.deliveries {
		c.deliveries[k] = v
	}
	for k, v := range s.deliveryIdx {
		c.deliveryIdx[k] = v
	}
	c.attempts = append(c.attempts, s.attempts...)
	return c
}

// Store is a mutex-guarded in-memory database
type Store struct {
	mu  sync.Mutex
	st  state
	now func() time.Time
}

// New creates an empty store
func New() *Store {
	return &Store{st: newState(), now: time.Now}
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// --- Integrations ---

// CreateIntegration mirrors the partial unique index on active (provider, account)
func (s *Store) CreateIntegration(_ context.Context, i *models.PaymentIntegration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.st.integrations {
		if existing.Active && existing.Provider == i.Provider && existing.AccountID == i.AccountID {
			return store.ErrConflict
		}
	}
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	now := s.now()
	i.Active = true
	i.CreatedAt = now
	i.UpdatedAt = now
	s.st.integrations[i.ID] = *i
	return nil
}

func (s *Store) DeactivateIntegration(_ context.Context, id uuid.UUID) (*models.PaymentIntegration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.st.integrations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	now := s.now()
	i.Active = false
	i.DeactivatedAt = &now
	i.UpdatedAt = now
	s.st.integrations[id] = i
	return &i, nil
}

func (s *Store) GetIntegration(_ context.Context, id uuid.UUID) (*models.PaymentIntegration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.st.integrations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &i, nil
}

func (s *Store) FindActiveIntegration(_ context.Context, kind models.ProviderKind, accountID string) (*models.PaymentIntegration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, i := range s.st.integrations {
		if i.Active && i.Provider == kind && i.AccountID == accountID {
			return &i, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListActiveIntegrations(_ context.Context, kind models.ProviderKind) ([]*models.PaymentIntegration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.PaymentIntegration
	for _, i := range s.st.integrations {
		if i.Active && i.Provider == kind {
			i := i
			out = append(out, &i)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

// --- Reconcile unit of work ---

// WithTx runs fn under the store lock and restores the previous state if fn fails
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx reconcile.TxRepository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	if err := fn(ctx, &txRepo{s: s}); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

// txRepo operates on the store state while the caller holds the lock
type txRepo struct {
	s *Store
}

func (r *txRepo) RecordEvent(_ context.Context, integrationID uuid.UUID, ev *models.NormalizedEvent) (bool, error) {
	key := eventKey{integrationID, ev.ProviderEventID}
	if _, ok := r.s.st.events[key]; ok {
		return false, nil
	}
	r.s.st.events[key] = ProcessedEvent{Provider: ev.Provider, CreatedAt: r.s.now()}
	return true, nil
}

func (r *txRepo) SetEventOutcome(_ context.Context, integrationID uuid.UUID, providerEventID string, outcome models.Outcome) error {
	key := eventKey{integrationID, providerEventID}
	e := r.s.st.events[key]
	e.Outcome = outcome
	r.s.st.events[key] = e
	return nil
}

func (r *txRepo) LockOrCreateTransaction(_ context.Context, candidate *models.PaymentTransaction) (*models.PaymentTransaction, bool, error) {
	key := txnKey{candidate.IntegrationID, candidate.ExternalID}
	created := false
	id, ok := r.s.st.txnIndex[key]
	if !ok {
		c := *candidate
		c.Metadata = copyMap(candidate.Metadata)
		r.s.st.transactions[c.ID] = c
		r.s.st.txnIndex[key] = c.ID
		id = c.ID
		created = true
	}
	t := r.s.st.transactions[id]
	t.Metadata = copyMap(t.Metadata)
	return &t, created, nil
}

func (r *txRepo) UpdateTransaction(_ context.Context, txn *models.PaymentTransaction) error {
	if _, ok := r.s.st.transactions[txn.ID]; !ok {
		return store.ErrNotFound
	}
	t := *txn
	t.Metadata = copyMap(txn.Metadata)
	r.s.st.transactions[txn.ID] = t
	return nil
}

func (r *txRepo) InsertEffects(_ context.Context, effs []*models.Effect) ([]*models.Effect, error) {
	var inserted []*models.Effect
	for _, e := range effs {
		key := effectKey{e.TransactionID, e.Edge, e.Kind}
		if _, ok := r.s.st.effectIndex[key]; ok {
			continue
		}
		r.s.st.effects[e.ID] = *e
		r.s.st.effectIndex[key] = e.ID
		inserted = append(inserted, e)
	}
	return inserted, nil
}

// --- Reads and maintenance ---

func (s *Store) GetTransaction(_ context.Context, id uuid.UUID) (*models.PaymentTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.st.transactions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	t.Metadata = copyMap(t.Metadata)
	return &t, nil
}

// TransactionByExternalID is a test helper for asserting on reconciled state
func (s *Store) TransactionByExternalID(integrationID uuid.UUID, externalID string) (*models.PaymentTransaction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.st.txnIndex[txnKey{integrationID, externalID}]
	if !ok {
		return nil, false
	}
	t := s.st.transactions[id]
	t.Metadata = copyMap(t.Metadata)
	return &t, true
}

// ProcessedEvent returns the dedup record for an event
func (s *Store) ProcessedEvent(integrationID uuid.UUID, eventID string) (ProcessedEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.st.events[eventKey{integrationID, eventID}]
	return e, ok
}

// Effects returns every stored effect ordered by creation
func (s *Store) Effects() []*models.Effect {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.Effect, 0, len(s.st.effects))
	for _, e := range s.st.effects {
		e := e
		out = append(out, &e)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out
}

func (s *Store) PurgeProcessedEvents(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for k, e := range s.st.events {
		if e.CreatedAt.Before(olderThan) {
			delete(s.st.events, k)
			n++
		}
	}
	return n, nil
}

// --- Effects ---

func (s *Store) GetEffect(_ context.Context, id uuid.UUID) (*models.Effect, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.st.effects[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &e, nil
}

func (s *Store) MarkEffectDispatched(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.st.effects[id]
	if !ok || e.DispatchedAt != nil {
		return nil
	}
	e.DispatchedAt = &at
	e.Attempts++
	e.LastError = nil
	s.st.effects[id] = e
	return nil
}

func (s *Store) RecordEffectFailure(_ context.Context, id uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.st.effects[id]
	if !ok || e.DispatchedAt != nil {
		return nil
	}
	e.Attempts++
	e.LastError = &reason
	s.st.effects[id] = e
	return nil
}

func (s *Store) ListUndispatchedEffects(_ context.Context, cutoff time.Time, limit int) ([]*models.Effect, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Effect
	for _, e := range s.st.effects {
		if e.DispatchedAt == nil && e.CreatedAt.Before(cutoff) {
			e := e
			out = append(out, &e)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Outbound webhooks ---

func (s *Store) CreateSubscriber(_ context.Context, sub *models.Subscriber) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	sub.Active = true
	sub.CreatedAt = s.now()
	s.st.subscribers[sub.ID] = *sub
	return nil
}

func (s *Store) GetSubscriber(_ context.Context, id uuid.UUID) (*models.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.st.subscribers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &sub, nil
}

func (s *Store) ListActiveSubscribers(_ context.Context) ([]*models.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Subscriber
	for _, sub := range s.st.subscribers {
		if sub.Active {
			sub := sub
			out = append(out, &sub)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

func (s *Store) InsertDelivery(_ context.Context, d *models.Delivery) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := deliveryKey{d.EventID, d.SubscriberID}
	if _, ok := s.st.deliveryIdx[key]; ok {
		return false, nil
	}
	s.st.deliveries[d.ID] = *d
	s.st.deliveryIdx[key] = d.ID
	return true, nil
}

func (s *Store) GetDelivery(_ context.Context, id uuid.UUID) (*models.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.st.deliveries[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &d, nil
}

func (s *Store) RecordDeliveryAttempt(_ context.Context, a *models.DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.st.deliveries[a.DeliveryID]
	if !ok {
		return store.ErrNotFound
	}
	d.Attempts++
	s.st.deliveries[a.DeliveryID] = d
	s.st.attempts = append(s.st.attempts, *a)
	return nil
}

func (s *Store) MarkDelivered(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.st.deliveries[id]
	if !ok || d.DeliveredAt != nil {
		return nil
	}
	d.DeliveredAt = &at
	s.st.deliveries[id] = d
	return nil
}

// Attempts returns every recorded delivery attempt
func (s *Store) Attempts() []models.DeliveryAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]models.DeliveryAttempt(nil), s.st.attempts...)
}
