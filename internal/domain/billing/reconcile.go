package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/entclinic/clinic/internal/platform/paddle"
	"github.com/entclinic/clinic/internal/platform/webhook"
)

// Outcome records what reconciliation did with a provider event.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeUnmatched Outcome = "unmatched"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeFailed    Outcome = "failed"
)

var validOutcomes = map[Outcome]bool{
	OutcomeApplied:   true,
	OutcomeDuplicate: true,
	OutcomeUnmatched: true,
	OutcomeIgnored:   true,
	OutcomeFailed:    true,
}

type ReconcileMetrics interface {
	PaymentEvent(eventType, outcome string)
}

// Reconciler applies Paddle notifications to bill payment state. Every
// event it sees is written to the payment event ledger.
type Reconciler struct {
	bills   BillRepository
	events  PaymentEventRepository
	dedup   webhook.Deduper
	metrics ReconcileMetrics
	logger  zerolog.Logger
}

func NewReconciler(bills BillRepository, events PaymentEventRepository, dedup webhook.Deduper, metrics ReconcileMetrics, logger zerolog.Logger) *Reconciler {
	return &Reconciler{bills: bills, events: events, dedup: dedup, metrics: metrics, logger: logger}
}

// Handle reconciles one event. The returned error is informational: the
// event has already been recorded and callers still acknowledge delivery.
func (r *Reconciler) Handle(ctx context.Context, evt paddle.Event) (Outcome, error) {
	rec := &PaymentEvent{EventID: evt.EventID, EventType: evt.EventType}
	if payload, err := json.Marshal(evt); err == nil {
		rec.Payload = payload
	}

	log := r.logger.With().
		Str("event_id", evt.EventID).
		Str("event_type", evt.EventType).
		Logger()

	if evt.EventID != "" && r.dedup != nil {
		seen, err := r.dedup.Seen(ctx, evt.EventID)
		if err != nil {
			// Applying twice is harmless; dropping an event is not.
			log.Warn().Err(err).Msg("dedup lookup failed, processing event anyway")
		} else if seen {
			rec.Outcome = OutcomeDuplicate
			r.finish(ctx, log, rec, nil)
			return OutcomeDuplicate, nil
		}
	}

	var bill *Bill
	var procErr error
	switch evt.EventType {
	case paddle.EventTransactionCompleted, paddle.EventTransactionPaymentFailed:
		bill, procErr = r.applyTransaction(ctx, evt, rec)
	default:
		rec.Outcome = OutcomeIgnored
	}

	if procErr != nil {
		if errors.Is(procErr, ErrUnmatchedCheckout) {
			rec.Outcome = OutcomeUnmatched
		} else {
			rec.Outcome = OutcomeFailed
		}
		msg := procErr.Error()
		rec.Error = &msg
		r.forget(ctx, log, evt.EventID)
	}
	if bill != nil {
		id := bill.ID
		rec.BillID = &id
	}

	if err := r.finish(ctx, log, rec, procErr); err != nil && procErr == nil {
		procErr = err
	}
	return rec.Outcome, procErr
}

func (r *Reconciler) applyTransaction(ctx context.Context, evt paddle.Event, rec *PaymentEvent) (*Bill, error) {
	txn, err := evt.Transaction()
	if err != nil {
		return nil, err
	}
	rec.CheckoutID = txn.CheckoutID
	rec.TransactionID = txn.ID
	if txn.CheckoutID == "" {
		return nil, fmt.Errorf("%w: event carries no checkout_id", ErrUnmatchedCheckout)
	}

	var bill *Bill
	if evt.EventType == paddle.EventTransactionCompleted {
		bill, err = r.bills.MarkPaid(ctx, txn.CheckoutID, txn.ID)
	} else {
		bill, err = r.bills.RecordPaymentFailure(ctx, txn.CheckoutID, txn.FailureReason())
	}
	if errors.Is(err, ErrAlreadyPaid) {
		// A late failure must not mark a settled bill as failing.
		rec.Outcome = OutcomeIgnored
		return bill, nil
	}
	if err != nil {
		if errors.Is(err, ErrUnmatchedCheckout) {
			return nil, fmt.Errorf("%w %s", ErrUnmatchedCheckout, txn.CheckoutID)
		}
		return nil, err
	}
	rec.Outcome = OutcomeApplied
	return bill, nil
}

func (r *Reconciler) forget(ctx context.Context, log zerolog.Logger, eventID string) {
	if eventID == "" || r.dedup == nil {
		return
	}
	if err := r.dedup.Forget(ctx, eventID); err != nil {
		log.Warn().Err(err).Msg("could not release event id for redelivery")
	}
}

// finish stores the ledger row, counts it and logs the decision.
func (r *Reconciler) finish(ctx context.Context, log zerolog.Logger, rec *PaymentEvent, procErr error) error {
	if r.metrics != nil {
		r.metrics.PaymentEvent(rec.EventType, string(rec.Outcome))
	}

	evt := log.Info()
	switch rec.Outcome {
	case OutcomeFailed:
		evt = log.Error().Err(procErr)
	case OutcomeUnmatched:
		evt = log.Warn().Err(procErr)
	}
	if rec.BillID != nil {
		evt = evt.Str("bill_id", rec.BillID.String())
	}
	evt.Str("checkout_id", rec.CheckoutID).
		Str("outcome", string(rec.Outcome)).
		Msg("payment event reconciled")

	if err := r.events.Record(ctx, rec); err != nil {
		log.Error().Err(err).Str("outcome", string(rec.Outcome)).Msg("could not record payment event")
		return fmt.Errorf("record payment event: %w", err)
	}
	return nil
}

// ListEvents returns ledger rows, optionally filtered by outcome.
func (r *Reconciler) ListEvents(ctx context.Context, outcome Outcome, limit, offset int) ([]*PaymentEvent, int, error) {
	if outcome != "" && !validOutcomes[outcome] {
		return nil, 0, validationErr("invalid outcome: %s", outcome)
	}
	return r.events.List(ctx, outcome, limit, offset)
}
