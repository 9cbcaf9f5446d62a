package billing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	StatusUnpaid = "unpaid"
	StatusPaid   = "paid"
)

const (
	ItemConsultation = "consultation"
	ItemTest         = "test"
	ItemMedicine     = "medicine"
)

var validItemTypes = map[string]bool{
	ItemConsultation: true,
	ItemTest:         true,
	ItemMedicine:     true,
}

var validPaymentStatuses = map[string]bool{
	StatusUnpaid: true,
	StatusPaid:   true,
}

const dateLayout = "2006-01-02"

// Column limits: money is NUMERIC(10,2) and quantity is INTEGER.
const (
	maxQuantity = math.MaxInt32
	maxMoney    = 1e8 // exclusive
)

func errTotalTooLarge() error {
	return validationErr("bill total must be less than %.0f", maxMoney)
}

type Bill struct {
	ID                  uuid.UUID `json:"id"`
	PatientID           uuid.UUID `json:"patient_id"`
	DoctorName          string    `json:"doctor_name"`
	BillDate            string    `json:"bill_date"`
	TotalAmount         float64   `json:"total_amount"`
	PaymentStatus       string    `json:"payment_status"`
	PaddleCheckoutID    *string   `json:"paddle_checkout_id"`
	PaddleTransactionID *string   `json:"paddle_transaction_id"`
	LastPaymentError    *string   `json:"last_payment_error,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`

	// Populated when the bill is read hydrated.
	Patient *PatientSummary `json:"patients"`
	Items   []*BillItem     `json:"bill_items"`
}

// PatientSummary is the slice of the patient record bills are shown with.
type PatientSummary struct {
	ID             uuid.UUID `json:"id"`
	Name           string    `json:"name"`
	Age            int       `json:"age"`
	ChiefComplaint string    `json:"chief_complaint"`
	Contact        *string   `json:"contact"`
}

type BillItem struct {
	ID          uuid.UUID `json:"id"`
	BillID      uuid.UUID `json:"bill_id"`
	ItemType    string    `json:"item_type"`
	Description string    `json:"description"`
	Quantity    int       `json:"quantity"`
	Rate        float64   `json:"rate"`
	Amount      float64   `json:"amount"`
	CreatedAt   time.Time `json:"created_at"`
}

// PaymentEvent is one inbound provider notification and what became of it.
type PaymentEvent struct {
	ID            uuid.UUID       `json:"id"`
	EventID       string          `json:"event_id,omitempty"`
	EventType     string          `json:"event_type"`
	CheckoutID    string          `json:"checkout_id,omitempty"`
	TransactionID string          `json:"transaction_id,omitempty"`
	BillID        *uuid.UUID      `json:"bill_id,omitempty"`
	Outcome       Outcome         `json:"outcome"`
	Error         *string         `json:"error,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	ReceivedAt    time.Time       `json:"received_at"`
}

// Rate is a unit price. Clients send it either as a JSON number or as a
// numeric string ("50", "12.5").
type Rate float64

func (r *Rate) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		b = []byte(strings.TrimSpace(s))
	}
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("rate must be a number, got %s", b)
	}
	*r = Rate(f)
	return nil
}

// roundCents rounds half away from zero to two decimals.
func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}

func lineAmount(quantity int, rate float64) float64 {
	return roundCents(float64(quantity) * rate)
}

// ItemInput describes a new bill line.
type ItemInput struct {
	ItemType    string `json:"item_type"`
	Description string `json:"description"`
	Quantity    int    `json:"quantity"`
	Rate        *Rate  `json:"rate"`
}

type CreateBillRequest struct {
	PatientID  uuid.UUID   `json:"patient_id"`
	DoctorName string      `json:"doctor_name"`
	BillDate   string      `json:"bill_date"`
	Items      []ItemInput `json:"items"`
}

type UpdateBillRequest struct {
	DoctorName          *string `json:"doctor_name"`
	BillDate            *string `json:"bill_date"`
	PaymentStatus       *string `json:"payment_status"`
	PaddleCheckoutID    *string `json:"paddle_checkout_id"`
	PaddleTransactionID *string `json:"paddle_transaction_id"`
}

func (r UpdateBillRequest) empty() bool {
	return r.DoctorName == nil && r.BillDate == nil && r.PaymentStatus == nil &&
		r.PaddleCheckoutID == nil && r.PaddleTransactionID == nil
}

// ItemPatch updates the fields that are non-nil on the item named by ItemID.
type ItemPatch struct {
	ItemID      uuid.UUID `json:"item_id"`
	ItemType    *string   `json:"item_type"`
	Description *string   `json:"description"`
	Quantity    *int      `json:"quantity"`
	Rate        *Rate     `json:"rate"`
}

type BillFilter struct {
	PatientID     *uuid.UUID
	PaymentStatus string
}
