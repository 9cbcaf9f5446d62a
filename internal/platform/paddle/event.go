package paddle

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	EventTransactionCompleted     = "transaction.completed"
	EventTransactionPaymentFailed = "transaction.payment_failed"
	EventCheckoutCompleted        = "checkout.completed"
)

var ErrMalformedEvent = errors.New("malformed paddle event")

// Event is the notification envelope Paddle posts to the webhook.
type Event struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt *time.Time      `json:"occurred_at,omitempty"`
	Data       json.RawMessage `json:"data"`
}

// TransactionData is the subset of a transaction entity the clinic reads.
type TransactionData struct {
	ID         string      `json:"id"`
	CheckoutID string      `json:"checkout_id"`
	Status     string      `json:"status"`
	CustomData *CustomData `json:"custom_data,omitempty"`
	ErrorCode  string      `json:"error_code,omitempty"`
}

// ParseEvent decodes a notification body. event_type is mandatory.
func ParseEvent(body []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(body, &evt); err != nil {
		return evt, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if evt.EventType == "" {
		return evt, fmt.Errorf("%w: missing event_type", ErrMalformedEvent)
	}
	return evt, nil
}

// Transaction decodes Data as a transaction entity.
func (e Event) Transaction() (TransactionData, error) {
	var txn TransactionData
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return txn, fmt.Errorf("%w: %s has no data", ErrMalformedEvent, e.EventType)
	}
	if err := json.Unmarshal(e.Data, &txn); err != nil {
		return txn, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return txn, nil
}

// FailureReason summarizes why a transaction payment failed.
func (t TransactionData) FailureReason() string {
	switch {
	case t.ErrorCode != "" && t.Status != "":
		return t.ErrorCode + " (" + t.Status + ")"
	case t.ErrorCode != "":
		return t.ErrorCode
	case t.Status != "":
		return "payment failed (" + t.Status + ")"
	default:
		return "payment failed"
	}
}
