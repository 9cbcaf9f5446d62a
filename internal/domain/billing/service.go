package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Service struct {
	bills  BillRepository
	items  ItemRepository
	tx     TxRunner
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(bills BillRepository, items ItemRepository, tx TxRunner, logger zerolog.Logger) *Service {
	return &Service{bills: bills, items: items, tx: tx, logger: logger, now: time.Now}
}

// -- Bills --

// CreateBill persists the bill, its items and its total as one unit; a
// failure anywhere leaves nothing behind.
func (s *Service) CreateBill(ctx context.Context, req CreateBillRequest) (*Bill, error) {
	if req.PatientID == uuid.Nil {
		return nil, validationErr("patient_id is required")
	}
	doctor := strings.TrimSpace(req.DoctorName)
	if doctor == "" {
		return nil, validationErr("doctor_name is required")
	}
	if len(req.Items) == 0 {
		return nil, validationErr("at least one item is required")
	}

	billDate := strings.TrimSpace(req.BillDate)
	if billDate == "" {
		billDate = s.now().Format(dateLayout)
	} else if _, err := time.Parse(dateLayout, billDate); err != nil {
		return nil, validationErr("bill_date must be YYYY-MM-DD")
	}

	items := make([]*BillItem, 0, len(req.Items))
	for i, in := range req.Items {
		if msg := itemProblem(in); msg != "" {
			return nil, validationErr("items[%d]: %s", i, msg)
		}
		items = append(items, buildItem(in))
	}

	bill := &Bill{PatientID: req.PatientID, DoctorName: doctor, BillDate: billDate}
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.bills.Create(ctx, bill); err != nil {
			return err
		}
		for _, it := range items {
			it.BillID = bill.ID
		}
		if err := s.items.CreateBatch(ctx, items); err != nil {
			return err
		}
		_, err := s.bills.RecomputeTotal(ctx, bill.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("bill_id", bill.ID.String()).
		Str("patient_id", bill.PatientID.String()).
		Int("items", len(items)).
		Msg("bill created")

	return s.bills.GetHydrated(ctx, bill.ID)
}

func (s *Service) GetBill(ctx context.Context, id uuid.UUID) (*Bill, error) {
	return s.bills.GetHydrated(ctx, id)
}

func (s *Service) ListBills(ctx context.Context, f BillFilter) ([]*Bill, error) {
	if f.PaymentStatus != "" && !validPaymentStatuses[f.PaymentStatus] {
		return nil, validationErr("invalid payment_status: %s", f.PaymentStatus)
	}
	return s.bills.List(ctx, f)
}

func (s *Service) UpdateBill(ctx context.Context, id uuid.UUID, req UpdateBillRequest) (*Bill, error) {
	if req.empty() {
		return nil, validationErr("no fields to update")
	}
	if req.DoctorName != nil {
		name := strings.TrimSpace(*req.DoctorName)
		if name == "" {
			return nil, validationErr("doctor_name cannot be empty")
		}
		req.DoctorName = &name
	}
	if req.BillDate != nil {
		if _, err := time.Parse(dateLayout, *req.BillDate); err != nil {
			return nil, validationErr("bill_date must be YYYY-MM-DD")
		}
	}
	if req.PaymentStatus != nil && !validPaymentStatuses[*req.PaymentStatus] {
		return nil, validationErr("invalid payment_status: %s", *req.PaymentStatus)
	}

	if err := s.bills.Update(ctx, id, req); err != nil {
		return nil, err
	}
	return s.bills.GetHydrated(ctx, id)
}

func (s *Service) DeleteBill(ctx context.Context, id uuid.UUID) error {
	if err := s.bills.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info().Str("bill_id", id.String()).Msg("bill deleted")
	return nil
}

// -- Items --

// itemProblem describes what is wrong with in, or returns "".
func itemProblem(in ItemInput) string {
	switch {
	case in.ItemType == "":
		return "item_type is required"
	case !validItemTypes[in.ItemType]:
		return "invalid item_type: " + in.ItemType
	case strings.TrimSpace(in.Description) == "":
		return "description is required"
	case in.Quantity <= 0:
		return "quantity must be greater than 0"
	case in.Quantity > maxQuantity:
		return fmt.Sprintf("quantity must not exceed %d", maxQuantity)
	case in.Rate == nil:
		return "rate is required"
	}
	if msg := rateProblem(*in.Rate); msg != "" {
		return msg
	}
	return amountProblem(in.Quantity, roundCents(float64(*in.Rate)))
}

func rateProblem(r Rate) string {
	switch {
	case r < 0:
		return "rate must not be negative"
	case roundCents(float64(r)) >= maxMoney:
		return fmt.Sprintf("rate must be less than %.0f", maxMoney)
	}
	return ""
}

func amountProblem(quantity int, rate float64) string {
	if lineAmount(quantity, rate) >= maxMoney {
		return fmt.Sprintf("amount (quantity x rate) must be less than %.0f", maxMoney)
	}
	return ""
}

// buildItem assumes in passed itemProblem.
func buildItem(in ItemInput) *BillItem {
	rate := roundCents(float64(*in.Rate))
	return &BillItem{
		ItemType:    in.ItemType,
		Description: strings.TrimSpace(in.Description),
		Quantity:    in.Quantity,
		Rate:        rate,
		Amount:      lineAmount(in.Quantity, rate),
	}
}

func (s *Service) ListItems(ctx context.Context, billID uuid.UUID) ([]*BillItem, error) {
	return s.items.ListByBill(ctx, billID)
}

// AddItem appends a line to an existing bill and refreshes its total.
func (s *Service) AddItem(ctx context.Context, billID uuid.UUID, in ItemInput) (*BillItem, error) {
	if msg := itemProblem(in); msg != "" {
		return nil, validationErr("%s", msg)
	}
	it := buildItem(in)
	it.BillID = billID

	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.bills.Lock(ctx, billID); err != nil {
			return err
		}
		if err := s.items.Create(ctx, it); err != nil {
			return err
		}
		_, err := s.bills.RecomputeTotal(ctx, billID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return it, nil
}

// UpdateItem merges the supplied fields into the stored item. Amount is
// always recomputed from the merged quantity and rate.
func (s *Service) UpdateItem(ctx context.Context, billID uuid.UUID, patch ItemPatch) (*BillItem, error) {
	if patch.ItemID == uuid.Nil {
		return nil, validationErr("item_id is required")
	}
	if patch.ItemType != nil && !validItemTypes[*patch.ItemType] {
		return nil, validationErr("invalid item_type: %s", *patch.ItemType)
	}
	if patch.Description != nil && strings.TrimSpace(*patch.Description) == "" {
		return nil, validationErr("description cannot be empty")
	}
	if patch.Quantity != nil && *patch.Quantity <= 0 {
		return nil, validationErr("quantity must be greater than 0")
	}
	if patch.Quantity != nil && *patch.Quantity > maxQuantity {
		return nil, validationErr("quantity must not exceed %d", maxQuantity)
	}
	if patch.Rate != nil {
		if msg := rateProblem(*patch.Rate); msg != "" {
			return nil, validationErr("%s", msg)
		}
	}

	var updated *BillItem
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.bills.Lock(ctx, billID); err != nil {
			return err
		}
		it, err := s.items.GetForUpdate(ctx, billID, patch.ItemID)
		if err != nil {
			return err
		}

		if patch.ItemType != nil {
			it.ItemType = *patch.ItemType
		}
		if patch.Description != nil {
			it.Description = strings.TrimSpace(*patch.Description)
		}
		if patch.Quantity != nil {
			it.Quantity = *patch.Quantity
		}
		if patch.Rate != nil {
			it.Rate = roundCents(float64(*patch.Rate))
		}
		if msg := amountProblem(it.Quantity, it.Rate); msg != "" {
			return validationErr("%s", msg)
		}
		it.Amount = lineAmount(it.Quantity, it.Rate)

		if err := s.items.Update(ctx, it); err != nil {
			return err
		}
		if _, err := s.bills.RecomputeTotal(ctx, billID); err != nil {
			return err
		}
		updated = it
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Service) DeleteItem(ctx context.Context, billID, itemID uuid.UUID) error {
	if itemID == uuid.Nil {
		return validationErr("item_id is required")
	}
	return s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.bills.Lock(ctx, billID); err != nil {
			return err
		}
		if err := s.items.Delete(ctx, billID, itemID); err != nil {
			return err
		}
		_, err := s.bills.RecomputeTotal(ctx, billID)
		return err
	})
}
