// Package reconcile applies normalized provider events to the canonical transaction record.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/festpay/webhook-gateway/internal/apperrors"
	"github.com/festpay/webhook-gateway/internal/effects"
	"github.com/festpay/webhook-gateway/internal/metrics"
	"github.com/festpay/webhook-gateway/internal/models"
)

// Repository opens the unit of work every event is applied in
type Repository interface {
	// WithTx runs fn in one database transaction, committing when fn returns nil
	WithTx(ctx context.Context, fn func(ctx context.Context, tx TxRepository) error) error
}

// TxRepository is the set of writes available inside a unit of work
type TxRepository interface {
	// RecordEvent claims (integration, provider event id). It returns false when the
	// event was already recorded, including by a concurrent delivery that committed first.
	RecordEvent(ctx context.Context, integrationID uuid.UUID, ev *models.NormalizedEvent) (bool, error)

	SetEventOutcome(ctx context.Context, integrationID uuid.UUID, providerEventID string, outcome models.Outcome) error

	// LockOrCreateTransaction inserts candidate unless (integration, external id) exists,
	// then returns the stored row locked for the rest of the unit of work.
	LockOrCreateTransaction(ctx context.Context, candidate *models.PaymentTransaction) (txn *models.PaymentTransaction, created bool, err error)

	UpdateTransaction(ctx context.Context, txn *models.PaymentTransaction) error

	// InsertEffects stores effects, skipping any whose (transaction, edge, kind) already
	// exists, and returns the ones actually inserted.
	InsertEffects(ctx context.Context, effs []*models.Effect) ([]*models.Effect, error)
}

// Result describes what applying one event did
type Result struct {
	Outcome     models.Outcome
	Transaction *models.PaymentTransaction
	Previous    models.TransactionStatus
	Created     bool
	Effects     []*models.Effect
}

// Reconciler serializes events per transaction and decides which transitions are accepted
type Reconciler struct {
	repo    Repository
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// New creates a reconciler
func New(repo Repository, m *metrics.Metrics, logger *zap.Logger) *Reconciler {
	return &Reconciler{repo: repo, metrics: m, logger: logger, now: time.Now}
}

// Apply reconciles ev against the transaction it references.
//
// Duplicate and stale events are committed and reported through a classified
// error alongside a non-nil Result; callers acknowledge both.
func (r *Reconciler) Apply(ctx context.Context, integ *models.PaymentIntegration, ev *models.NormalizedEvent) (*Result, error) {
	const op = "reconcile.apply"

	if ev.Kind == models.EventNoop {
		r.logger.Info("Ignoring unrecognized provider event",
			zap.String("provider", string(ev.Provider)),
			zap.String("event_id", ev.ProviderEventID),
			zap.String("event_type", ev.ProviderType),
		)
		return &Result{Outcome: models.OutcomeIgnored}, nil
	}

	var (
		res      *Result
		classErr error
	)
	err := r.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		res, classErr = nil, nil

		fresh, err := tx.RecordEvent(ctx, integ.ID, ev)
		if err != nil {
			return fmt.Errorf("record event: %w", err)
		}
		if !fresh {
			res = &Result{Outcome: models.OutcomeDuplicate}
			classErr = apperrors.E(apperrors.KindDuplicateEvent, op, nil)
			return nil
		}

		proposed, ok := ev.Kind.ProposedStatus()
		if !ok {
			res = &Result{Outcome: models.OutcomeIgnored}
			return tx.SetEventOutcome(ctx, integ.ID, ev.ProviderEventID, res.Outcome)
		}

		now := r.now()
		txn, created, err := tx.LockOrCreateTransaction(ctx, models.NewTransaction(integ.ID, ev, now))
		if err != nil {
			return fmt.Errorf("lock transaction: %w", err)
		}
		res = &Result{Transaction: txn, Previous: txn.Status, Created: created}

		if !created && proposed == models.StatusRefunded && isPartialRefund(txn, ev) {
			// the payment stays completed until its full amount is returned
			res.Outcome = models.OutcomeIgnored
			r.logger.Info("Partial refund leaves transaction unchanged",
				zap.String("transaction_id", txn.ID.String()),
				zap.String("event_id", ev.ProviderEventID),
				zap.String("stored_amount", txn.Amount.String()),
				zap.String("refund_amount", ev.Amount.String()),
			)
			return tx.SetEventOutcome(ctx, integ.ID, ev.ProviderEventID, res.Outcome)
		}

		dirty := false
		if !created {
			dirty = r.checkAmount(integ, txn, ev)
		}

		switch {
		case proposed == txn.Status:
			if created {
				res.Outcome = models.OutcomeCreated
			} else {
				res.Outcome = models.OutcomeUnchanged
			}
		case !models.CanReach(txn.Status, proposed):
			res.Outcome = models.OutcomeStale
			classErr = apperrors.E(apperrors.KindStaleTransition, op,
				fmt.Errorf("%s is not reachable", models.Edge(txn.Status, proposed)))
			r.metrics.StaleTotal.WithLabelValues(string(ev.Provider)).Inc()
			r.logger.Warn("Stale transition rejected",
				zap.String("integration_id", integ.ID.String()),
				zap.String("transaction_id", txn.ID.String()),
				zap.String("event_id", ev.ProviderEventID),
				zap.String("current", string(txn.Status)),
				zap.String("proposed", string(proposed)),
			)
		default:
			txn.Status = proposed
			dirty = true
			planned, err := effects.Plan(effects.Transition{
				Integration:  integ,
				Transaction:  txn,
				From:         res.Previous,
				Subscription: ev.Kind.IsSubscription(),
				OccurredAt:   ev.OccurredAt,
			}, now)
			if err != nil {
				return err
			}
			inserted, err := tx.InsertEffects(ctx, planned)
			if err != nil {
				return fmt.Errorf("insert effects: %w", err)
			}
			res.Effects = inserted
			res.Outcome = models.OutcomeApplied
		}

		if dirty {
			txn.UpdatedAt = now
			if err := tx.UpdateTransaction(ctx, txn); err != nil {
				return fmt.Errorf("update transaction: %w", err)
			}
		}

		return tx.SetEventOutcome(ctx, integ.ID, ev.ProviderEventID, res.Outcome)
	})
	if err != nil {
		return nil, apperrors.E(apperrors.KindInternal, op, err)
	}

	switch res.Outcome {
	case models.OutcomeDuplicate:
		r.metrics.DuplicateTotal.WithLabelValues(string(ev.Provider)).Inc()
		r.logger.Info("Duplicate provider event",
			zap.String("provider", string(ev.Provider)),
			zap.String("event_id", ev.ProviderEventID),
		)
	case models.OutcomeApplied:
		r.metrics.TransitionsTotal.WithLabelValues(string(res.Previous), string(res.Transaction.Status)).Inc()
		r.logger.Info("Transaction transitioned",
			zap.String("transaction_id", res.Transaction.ID.String()),
			zap.String("external_id", res.Transaction.ExternalID),
			zap.String("from", string(res.Previous)),
			zap.String("to", string(res.Transaction.Status)),
			zap.Int("effects", len(res.Effects)),
		)
	}

	return res, classErr
}

// isPartialRefund reports whether a refund event returns less than the stored amount
func isPartialRefund(txn *models.PaymentTransaction, ev *models.NormalizedEvent) bool {
	if !ev.HasAmount || txn.Currency == "" || txn.Currency != ev.Currency {
		return false
	}
	return ev.Amount.LessThan(txn.Amount) && !models.AmountsMatch(txn.Amount, ev.Amount, txn.Currency)
}

// checkAmount flags disagreement between the event and the stored amount without
// correcting it. A transaction created without an amount adopts the first one reported.
func (r *Reconciler) checkAmount(integ *models.PaymentIntegration, txn *models.PaymentTransaction, ev *models.NormalizedEvent) bool {
	if !ev.HasAmount {
		return false
	}
	if txn.Currency == "" {
		txn.Amount = ev.Amount
		txn.Currency = ev.Currency
		return true
	}
	if txn.Currency == ev.Currency && models.AmountsMatch(txn.Amount, ev.Amount, txn.Currency) {
		return false
	}

	r.metrics.AmountMismatchTotal.WithLabelValues(string(ev.Provider)).Inc()
	r.logger.Warn("Amount mismatch between event and transaction",
		zap.String("integration_id", integ.ID.String()),
		zap.String("transaction_id", txn.ID.String()),
		zap.String("event_id", ev.ProviderEventID),
		zap.String("stored_amount", txn.Amount.String()),
		zap.String("stored_currency", txn.Currency),
		zap.String("event_amount", ev.Amount.String()),
		zap.String("event_currency", ev.Currency),
	)
	if txn.Metadata["amount_mismatch"] == "true" {
		return false
	}
	if txn.Metadata == nil {
		txn.Metadata = make(map[string]string)
	}
	txn.Metadata["amount_mismatch"] = "true"
	return true
}
