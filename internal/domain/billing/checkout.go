package billing

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/entclinic/clinic/internal/platform/paddle"
)

const checkoutMessage = "Checkout data prepared for client-side Paddle integration"

type CheckoutRequest struct {
	BillID        uuid.UUID `json:"bill_id"`
	CustomerEmail string    `json:"customer_email"`
	SuccessURL    string    `json:"success_url"`
	CancelURL     string    `json:"cancel_url"`
	// NewCheckout replaces an existing correlation id instead of reusing it.
	NewCheckout bool `json:"new_checkout"`
	// Origin is the scheme://host the default return URLs are built on.
	Origin string `json:"-"`
}

type CheckoutResponse struct {
	CheckoutID   string              `json:"checkout_id"`
	CheckoutData paddle.CheckoutData `json:"checkout_data"`
	BillAmount   float64             `json:"bill_amount"`
	Message      string              `json:"message"`
}

type IDGenerator interface {
	Next() string
}

type CheckoutMetrics interface {
	Checkout(reused bool)
}

type CheckoutService struct {
	bills   BillRepository
	prices  *paddle.PriceCatalog
	ids     IDGenerator
	metrics CheckoutMetrics
	logger  zerolog.Logger
}

func NewCheckoutService(bills BillRepository, prices *paddle.PriceCatalog, ids IDGenerator, metrics CheckoutMetrics, logger zerolog.Logger) *CheckoutService {
	return &CheckoutService{bills: bills, prices: prices, ids: ids, metrics: metrics, logger: logger}
}

// Initiate builds the client-side checkout payload for a bill and makes
// sure the bill carries a correlation id webhook events can be matched on.
// Repeated calls return the same id unless NewCheckout is set.
func (s *CheckoutService) Initiate(ctx context.Context, req CheckoutRequest) (*CheckoutResponse, error) {
	if req.BillID == uuid.Nil {
		return nil, validationErr("bill_id is required")
	}

	bill, err := s.bills.GetHydrated(ctx, req.BillID)
	if err != nil {
		return nil, err
	}
	if bill.PaymentStatus == StatusPaid {
		return nil, fmt.Errorf("%w: bill %s is already paid", ErrConflict, bill.ID)
	}
	if len(bill.Items) == 0 {
		return nil, validationErr("bill has no items to charge")
	}

	data, err := s.checkoutData(bill, req)
	if err != nil {
		return nil, err
	}

	candidate := s.ids.Next()
	checkoutID, err := s.bills.AssignCheckoutID(ctx, bill.ID, candidate, req.NewCheckout)
	if err != nil {
		return nil, err
	}
	reused := checkoutID != candidate
	if s.metrics != nil {
		s.metrics.Checkout(reused)
	}

	s.logger.Info().
		Str("bill_id", bill.ID.String()).
		Str("checkout_id", checkoutID).
		Bool("reused", reused).
		Bool("rotated", req.NewCheckout).
		Msg("checkout prepared")

	return &CheckoutResponse{
		CheckoutID:   checkoutID,
		CheckoutData: data,
		BillAmount:   bill.TotalAmount,
		Message:      checkoutMessage,
	}, nil
}

func (s *CheckoutService) checkoutData(bill *Bill, req CheckoutRequest) (paddle.CheckoutData, error) {
	items := make([]paddle.CheckoutItem, 0, len(bill.Items))
	for _, it := range bill.Items {
		priceID, err := s.prices.PriceID(it.ItemType)
		if err != nil {
			return paddle.CheckoutData{}, validationErr("%v", err)
		}
		items = append(items, paddle.CheckoutItem{PriceID: priceID, Quantity: it.Quantity})
	}

	var patientName string
	email := strings.TrimSpace(req.CustomerEmail)
	if bill.Patient != nil {
		patientName = bill.Patient.Name
		if email == "" && bill.Patient.Contact != nil {
			email = *bill.Patient.Contact
		}
	}

	origin := strings.TrimRight(req.Origin, "/")
	success := req.SuccessURL
	if success == "" {
		success = origin + "/bills/" + bill.ID.String() + "/success"
	}
	cancel := req.CancelURL
	if cancel == "" {
		cancel = origin + "/bills"
	}

	return paddle.CheckoutData{
		Items:      items,
		Customer:   paddle.Customer{Email: email},
		CustomData: paddle.CustomData{BillID: bill.ID.String(), PatientName: patientName},
		SuccessURL: success,
		CancelURL:  cancel,
	}, nil
}
