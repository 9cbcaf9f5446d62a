package billing

import (
	"context"

	"github.com/google/uuid"
)

type BillRepository interface {
	Create(ctx context.Context, b *Bill) error
	// GetHydrated returns the bill with its patient summary and items.
	GetHydrated(ctx context.Context, id uuid.UUID) (*Bill, error)
	List(ctx context.Context, f BillFilter) ([]*Bill, error)
	Update(ctx context.Context, id uuid.UUID, req UpdateBillRequest) error
	Delete(ctx context.Context, id uuid.UUID) error
	// Lock takes a row lock on the bill for the rest of the transaction.
	Lock(ctx context.Context, id uuid.UUID) error
	RecomputeTotal(ctx context.Context, id uuid.UUID) (float64, error)
	// AssignCheckoutID stores checkoutID unless the bill already has one
	// (or force is set) and returns the id the bill carries afterwards.
	AssignCheckoutID(ctx context.Context, id uuid.UUID, checkoutID string, force bool) (string, error)
	MarkPaid(ctx context.Context, checkoutID, transactionID string) (*Bill, error)
	RecordPaymentFailure(ctx context.Context, checkoutID, reason string) (*Bill, error)
}

type ItemRepository interface {
	CreateBatch(ctx context.Context, items []*BillItem) error
	Create(ctx context.Context, item *BillItem) error
	GetForUpdate(ctx context.Context, billID, itemID uuid.UUID) (*BillItem, error)
	Update(ctx context.Context, item *BillItem) error
	Delete(ctx context.Context, billID, itemID uuid.UUID) error
	ListByBill(ctx context.Context, billID uuid.UUID) ([]*BillItem, error)
}

type PaymentEventRepository interface {
	Record(ctx context.Context, e *PaymentEvent) error
	List(ctx context.Context, outcome Outcome, limit, offset int) ([]*PaymentEvent, int, error)
}

// TxRunner is satisfied by *db.TxManager.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}
