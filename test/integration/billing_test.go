//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entclinic/clinic/internal/domain/billing"
	"github.com/entclinic/clinic/internal/domain/patient"
	"github.com/entclinic/clinic/internal/platform/db"
	"github.com/entclinic/clinic/internal/platform/paddle"
	"github.com/entclinic/clinic/internal/platform/webhook"
)

type billingFixture struct {
	pool       *pgxpool.Pool
	svc        *billing.Service
	bills      billing.BillRepository
	events     billing.PaymentEventRepository
	reconciler *billing.Reconciler
	patientID  uuid.UUID
}

type noopMetrics struct{}

func (noopMetrics) PaymentEvent(string, string) {}

func newBillingFixture(t *testing.T) *billingFixture {
	t.Helper()
	pool := newSchemaPool(t)
	logger := zerolog.Nop()

	bills := billing.NewBillRepoPG(pool)
	events := billing.NewPaymentEventRepoPG(pool)
	svc := billing.NewService(bills, billing.NewItemRepoPG(pool), db.NewTxManager(pool), logger)

	p := &patient.Patient{Name: "Jane Doe", Age: 42, ChiefComplaint: "Ear pain"}
	require.NoError(t, patient.NewPatientRepoPG(pool).Create(context.Background(), p))

	return &billingFixture{
		pool:       pool,
		svc:        svc,
		bills:      bills,
		events:     events,
		reconciler: billing.NewReconciler(bills, events, webhook.NewMemoryDeduper(time.Hour), noopMetrics{}, logger),
		patientID:  p.ID,
	}
}

func rate(v float64) *billing.Rate {
	r := billing.Rate(v)
	return &r
}

func (f *billingFixture) createBill(t *testing.T) *billing.Bill {
	t.Helper()
	bill, err := f.svc.CreateBill(context.Background(), billing.CreateBillRequest{
		PatientID:  f.patientID,
		DoctorName: "Dr. Smith",
		BillDate:   "2024-03-01",
		Items: []billing.ItemInput{
			{ItemType: billing.ItemConsultation, Description: "Initial consultation", Quantity: 1, Rate: rate(50)},
			{ItemType: billing.ItemMedicine, Description: "Ear drops", Quantity: 2, Rate: rate(17.495)},
		},
	})
	require.NoError(t, err)
	return bill
}

func completedEvent(t *testing.T, eventID, eventType, checkoutID string) paddle.Event {
	t.Helper()
	data, err := json.Marshal(map[string]interface{}{
		"id":          "txn_" + eventID,
		"checkout_id": checkoutID,
		"status":      "completed",
	})
	require.NoError(t, err)
	return paddle.Event{EventID: eventID, EventType: eventType, Data: data}
}

func TestBilling_CreateHydrated(t *testing.T) {
	f := newBillingFixture(t)
	bill := f.createBill(t)

	assert.Equal(t, billing.StatusUnpaid, bill.PaymentStatus)
	assert.Equal(t, "2024-03-01", bill.BillDate)
	assert.InDelta(t, 84.99, bill.TotalAmount, 0.001)
	require.Len(t, bill.Items, 2)
	require.NotNil(t, bill.Patient)
	assert.Equal(t, "Jane Doe", bill.Patient.Name)
	assert.Nil(t, bill.PaddleCheckoutID)
}

func TestBilling_CreateUnknownPatientRollsBack(t *testing.T) {
	f := newBillingFixture(t)

	_, err := f.svc.CreateBill(context.Background(), billing.CreateBillRequest{
		PatientID:  uuid.New(),
		DoctorName: "Dr. Smith",
		Items:      []billing.ItemInput{{ItemType: billing.ItemTest, Description: "Audiometry", Quantity: 1, Rate: rate(30)}},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, billing.ErrValidation), "got %v", err)

	var n int
	require.NoError(t, f.pool.QueryRow(context.Background(), "SELECT COUNT(*) FROM bill_items").Scan(&n))
	assert.Zero(t, n)
}

func TestBilling_ItemChangesRecomputeTotal(t *testing.T) {
	f := newBillingFixture(t)
	ctx := context.Background()
	bill := f.createBill(t)

	added, err := f.svc.AddItem(ctx, bill.ID, billing.ItemInput{
		ItemType: billing.ItemTest, Description: "Tympanometry", Quantity: 1, Rate: rate(25.5),
	})
	require.NoError(t, err)

	got, err := f.svc.GetBill(ctx, bill.ID)
	require.NoError(t, err)
	assert.InDelta(t, 110.49, got.TotalAmount, 0.001)

	qty := 2
	_, err = f.svc.UpdateItem(ctx, bill.ID, billing.ItemPatch{ItemID: added.ID, Quantity: &qty})
	require.NoError(t, err)
	got, err = f.svc.GetBill(ctx, bill.ID)
	require.NoError(t, err)
	assert.InDelta(t, 135.99, got.TotalAmount, 0.001)

	require.NoError(t, f.svc.DeleteItem(ctx, bill.ID, added.ID))
	got, err = f.svc.GetBill(ctx, bill.ID)
	require.NoError(t, err)
	assert.InDelta(t, 84.99, got.TotalAmount, 0.001)
	assert.Len(t, got.Items, 2)

	err = f.svc.DeleteItem(ctx, bill.ID, added.ID)
	assert.True(t, errors.Is(err, billing.ErrNotFound), "got %v", err)
}

func TestBilling_ListFilters(t *testing.T) {
	f := newBillingFixture(t)
	ctx := context.Background()
	first := f.createBill(t)
	f.createBill(t)

	paid := billing.StatusPaid
	_, err := f.svc.UpdateBill(ctx, first.ID, billing.UpdateBillRequest{PaymentStatus: &paid})
	require.NoError(t, err)

	all, err := f.svc.ListBills(ctx, billing.BillFilter{PatientID: &f.patientID})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	paidOnly, err := f.svc.ListBills(ctx, billing.BillFilter{PaymentStatus: billing.StatusPaid})
	require.NoError(t, err)
	require.Len(t, paidOnly, 1)
	assert.Equal(t, first.ID, paidOnly[0].ID)
	assert.Len(t, paidOnly[0].Items, 2)
}

func TestBilling_AssignCheckoutID(t *testing.T) {
	f := newBillingFixture(t)
	ctx := context.Background()
	bill := f.createBill(t)

	id, err := f.bills.AssignCheckoutID(ctx, bill.ID, "chk_1", false)
	require.NoError(t, err)
	assert.Equal(t, "chk_1", id)

	id, err = f.bills.AssignCheckoutID(ctx, bill.ID, "chk_2", false)
	require.NoError(t, err)
	assert.Equal(t, "chk_1", id, "existing id is kept")

	id, err = f.bills.AssignCheckoutID(ctx, bill.ID, "chk_3", true)
	require.NoError(t, err)
	assert.Equal(t, "chk_3", id)

	_, err = f.bills.AssignCheckoutID(ctx, uuid.New(), "chk_4", false)
	assert.True(t, errors.Is(err, billing.ErrNotFound), "got %v", err)
}

func TestBilling_ReconcileLifecycle(t *testing.T) {
	f := newBillingFixture(t)
	ctx := context.Background()
	bill := f.createBill(t)
	_, err := f.bills.AssignCheckoutID(ctx, bill.ID, "chk_life", false)
	require.NoError(t, err)

	failed := completedEvent(t, "evt_1", paddle.EventTransactionPaymentFailed, "chk_life")
	outcome, err := f.reconciler.Handle(ctx, failed)
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeApplied, outcome)

	got, err := f.svc.GetBill(ctx, bill.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusUnpaid, got.PaymentStatus)
	require.NotNil(t, got.LastPaymentError)

	outcome, err = f.reconciler.Handle(ctx, completedEvent(t, "evt_2", paddle.EventTransactionCompleted, "chk_life"))
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeApplied, outcome)

	got, err = f.svc.GetBill(ctx, bill.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPaid, got.PaymentStatus)
	assert.Nil(t, got.LastPaymentError)
	require.NotNil(t, got.PaddleTransactionID)
	assert.Equal(t, "txn_evt_2", *got.PaddleTransactionID)

	outcome, err = f.reconciler.Handle(ctx, completedEvent(t, "evt_2", paddle.EventTransactionCompleted, "chk_life"))
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeDuplicate, outcome)

	outcome, err = f.reconciler.Handle(ctx, completedEvent(t, "evt_3", paddle.EventTransactionCompleted, "chk_missing"))
	assert.True(t, errors.Is(err, billing.ErrUnmatchedCheckout), "got %v", err)
	assert.Equal(t, billing.OutcomeUnmatched, outcome)

	events, total, err := f.events.List(ctx, "", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Len(t, events, 4)

	applied, total, err := f.events.List(ctx, billing.OutcomeApplied, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	for _, e := range applied {
		require.NotNil(t, e.BillID)
		assert.Equal(t, bill.ID, *e.BillID)
		assert.Equal(t, "chk_life", e.CheckoutID)
	}
}

func TestBilling_DeleteCascades(t *testing.T) {
	f := newBillingFixture(t)
	ctx := context.Background()
	bill := f.createBill(t)
	_, err := f.bills.AssignCheckoutID(ctx, bill.ID, "chk_del", false)
	require.NoError(t, err)
	_, err = f.reconciler.Handle(ctx, completedEvent(t, "evt_del", paddle.EventTransactionCompleted, "chk_del"))
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteBill(ctx, bill.ID))

	_, err = f.svc.GetBill(ctx, bill.ID)
	assert.True(t, errors.Is(err, billing.ErrNotFound), "got %v", err)

	var items int
	require.NoError(t, f.pool.QueryRow(ctx, "SELECT COUNT(*) FROM bill_items WHERE bill_id = $1", bill.ID).Scan(&items))
	assert.Zero(t, items)

	// The ledger outlives the bill.
	events, total, err := f.events.List(ctx, billing.OutcomeApplied, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Nil(t, events[0].BillID)
}

func TestBilling_PatientDeleteRemovesBills(t *testing.T) {
	f := newBillingFixture(t)
	ctx := context.Background()
	bill := f.createBill(t)

	require.NoError(t, patient.NewPatientRepoPG(f.pool).Delete(ctx, f.patientID))

	_, err := f.svc.GetBill(ctx, bill.ID)
	assert.True(t, errors.Is(err, billing.ErrNotFound), "got %v", err)
}

func TestBilling_TotalOverflowIsValidationError(t *testing.T) {
	f := newBillingFixture(t)
	ctx := context.Background()

	bill, err := f.svc.CreateBill(ctx, billing.CreateBillRequest{
		PatientID:  f.patientID,
		DoctorName: "Dr. Smith",
		Items:      []billing.ItemInput{{ItemType: billing.ItemTest, Description: "Sleep study", Quantity: 1, Rate: rate(6e7)}},
	})
	require.NoError(t, err)

	_, err = f.svc.AddItem(ctx, bill.ID, billing.ItemInput{
		ItemType: billing.ItemTest, Description: "Sleep study", Quantity: 1, Rate: rate(6e7),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, billing.ErrValidation), "got %v", err)

	got, err := f.svc.GetBill(ctx, bill.ID)
	require.NoError(t, err)
	assert.Len(t, got.Items, 1)
	assert.InDelta(t, 6e7, got.TotalAmount, 0.001)
}

func TestBilling_LateFailureLeavesPaidBillAlone(t *testing.T) {
	f := newBillingFixture(t)
	ctx := context.Background()
	bill := f.createBill(t)
	_, err := f.bills.AssignCheckoutID(ctx, bill.ID, "chk_late", false)
	require.NoError(t, err)

	_, err = f.reconciler.Handle(ctx, completedEvent(t, "evt_ok", paddle.EventTransactionCompleted, "chk_late"))
	require.NoError(t, err)

	outcome, err := f.reconciler.Handle(ctx, completedEvent(t, "evt_late", paddle.EventTransactionPaymentFailed, "chk_late"))
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeIgnored, outcome)

	got, err := f.svc.GetBill(ctx, bill.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPaid, got.PaymentStatus)
	assert.Nil(t, got.LastPaymentError)
}
