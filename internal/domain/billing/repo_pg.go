package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/entclinic/clinic/internal/platform/db"
)

// =========== Bill Repository ===========

type billRepoPG struct{ pool *pgxpool.Pool }

func NewBillRepoPG(pool *pgxpool.Pool) BillRepository { return &billRepoPG{pool: pool} }

func (r *billRepoPG) conn(ctx context.Context) db.Querier {
	return db.Resolve(ctx, r.pool)
}

const billCols = `b.id, b.patient_id, b.doctor_name, to_char(b.bill_date, 'YYYY-MM-DD'),
	b.total_amount::float8, b.payment_status, b.paddle_checkout_id, b.paddle_transaction_id,
	b.last_payment_error, b.created_at, b.updated_at`

const hydratedBillCols = billCols + `,
	p.id, p.name, p.age, p.chief_complaint, p.contact`

func scanBill(row pgx.Row) (*Bill, error) {
	var b Bill
	err := row.Scan(&b.ID, &b.PatientID, &b.DoctorName, &b.BillDate,
		&b.TotalAmount, &b.PaymentStatus, &b.PaddleCheckoutID, &b.PaddleTransactionID,
		&b.LastPaymentError, &b.CreatedAt, &b.UpdatedAt)
	return &b, err
}

func scanHydratedBill(row pgx.Row) (*Bill, error) {
	var b Bill
	var p PatientSummary
	err := row.Scan(&b.ID, &b.PatientID, &b.DoctorName, &b.BillDate,
		&b.TotalAmount, &b.PaymentStatus, &b.PaddleCheckoutID, &b.PaddleTransactionID,
		&b.LastPaymentError, &b.CreatedAt, &b.UpdatedAt,
		&p.ID, &p.Name, &p.Age, &p.ChiefComplaint, &p.Contact)
	if err != nil {
		return nil, err
	}
	b.Patient = &p
	b.Items = []*BillItem{}
	return &b, nil
}

func (r *billRepoPG) Create(ctx context.Context, b *Bill) error {
	b.ID = uuid.New()
	b.PaymentStatus = StatusUnpaid
	b.TotalAmount = 0
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO bills (id, patient_id, doctor_name, bill_date, total_amount, payment_status)
		VALUES ($1, $2, $3, $4::date, 0, $5)
		RETURNING created_at, updated_at`,
		b.ID, b.PatientID, b.DoctorName, b.BillDate, b.PaymentStatus,
	).Scan(&b.CreatedAt, &b.UpdatedAt)
	if db.IsForeignKeyViolation(err) {
		return validationErr("patient %s does not exist", b.PatientID)
	}
	return err
}

func (r *billRepoPG) GetHydrated(ctx context.Context, id uuid.UUID) (*Bill, error) {
	b, err := scanHydratedBill(r.conn(ctx).QueryRow(ctx, `
		SELECT `+hydratedBillCols+`
		FROM bills b JOIN patients p ON p.id = b.patient_id
		WHERE b.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFoundErr("bill")
	}
	if err != nil {
		return nil, err
	}
	if err := r.attachItems(ctx, []*Bill{b}); err != nil {
		return nil, err
	}
	return b, nil
}

func (r *billRepoPG) List(ctx context.Context, f BillFilter) ([]*Bill, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.PatientID != nil {
		args = append(args, *f.PatientID)
		where = append(where, fmt.Sprintf("b.patient_id = $%d", len(args)))
	}
	if f.PaymentStatus != "" {
		args = append(args, f.PaymentStatus)
		where = append(where, fmt.Sprintf("b.payment_status = $%d", len(args)))
	}

	query := `SELECT ` + hydratedBillCols + ` FROM bills b JOIN patients p ON p.id = b.patient_id`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY b.created_at DESC`

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bills := []*Bill{}
	for rows.Next() {
		b, err := scanHydratedBill(rows)
		if err != nil {
			return nil, err
		}
		bills = append(bills, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := r.attachItems(ctx, bills); err != nil {
		return nil, err
	}
	return bills, nil
}

// attachItems loads the items of every bill in one query.
func (r *billRepoPG) attachItems(ctx context.Context, bills []*Bill) error {
	if len(bills) == 0 {
		return nil
	}
	byID := make(map[uuid.UUID]*Bill, len(bills))
	ids := make([]string, 0, len(bills))
	for _, b := range bills {
		byID[b.ID] = b
		ids = append(ids, b.ID.String())
	}

	rows, err := r.conn(ctx).Query(ctx, `SELECT `+itemCols+` FROM bill_items
		WHERE bill_id = ANY($1::uuid[]) ORDER BY created_at, id`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return err
		}
		if b := byID[it.BillID]; b != nil {
			b.Items = append(b.Items, it)
		}
	}
	return rows.Err()
}

func (r *billRepoPG) Update(ctx context.Context, id uuid.UUID, req UpdateBillRequest) error {
	sets := []string{"updated_at = NOW()"}
	args := []interface{}{id}
	add := func(col string, v interface{}, cast string) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d%s", col, len(args), cast))
	}
	if req.DoctorName != nil {
		add("doctor_name", *req.DoctorName, "")
	}
	if req.BillDate != nil {
		add("bill_date", *req.BillDate, "::date")
	}
	if req.PaymentStatus != nil {
		add("payment_status", *req.PaymentStatus, "")
	}
	if req.PaddleCheckoutID != nil {
		add("paddle_checkout_id", nullIfEmpty(*req.PaddleCheckoutID), "")
	}
	if req.PaddleTransactionID != nil {
		add("paddle_transaction_id", nullIfEmpty(*req.PaddleTransactionID), "")
	}

	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE bills SET `+strings.Join(sets, ", ")+` WHERE id = $1`, args...)
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("%w: checkout id already belongs to another bill", ErrConflict)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFoundErr("bill")
	}
	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (r *billRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM bills WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFoundErr("bill")
	}
	return nil
}

func (r *billRepoPG) Lock(ctx context.Context, id uuid.UUID) error {
	var locked uuid.UUID
	err := r.conn(ctx).QueryRow(ctx, `SELECT id FROM bills WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return notFoundErr("bill")
	}
	return err
}

func (r *billRepoPG) RecomputeTotal(ctx context.Context, id uuid.UUID) (float64, error) {
	var total float64
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE bills SET
			total_amount = (SELECT COALESCE(SUM(amount), 0) FROM bill_items WHERE bill_id = $1),
			updated_at = NOW()
		WHERE id = $1
		RETURNING total_amount::float8`, id).Scan(&total)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, notFoundErr("bill")
	}
	if db.IsNumericOverflow(err) {
		return 0, errTotalTooLarge()
	}
	return total, err
}

func (r *billRepoPG) AssignCheckoutID(ctx context.Context, id uuid.UUID, checkoutID string, force bool) (string, error) {
	cond := ` AND paddle_checkout_id IS NULL`
	if force {
		cond = ``
	}
	var stored string
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE bills SET paddle_checkout_id = $2, updated_at = NOW()
		WHERE id = $1`+cond+`
		RETURNING paddle_checkout_id`, id, checkoutID).Scan(&stored)
	if err == nil {
		return stored, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", err
	}

	// Either the bill is gone or it already carries an id.
	var existing *string
	err = r.conn(ctx).QueryRow(ctx, `SELECT paddle_checkout_id FROM bills WHERE id = $1`, id).Scan(&existing)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", notFoundErr("bill")
	}
	if err != nil {
		return "", err
	}
	if existing == nil {
		return "", fmt.Errorf("checkout id for bill %s was cleared concurrently", id)
	}
	return *existing, nil
}

func (r *billRepoPG) MarkPaid(ctx context.Context, checkoutID, transactionID string) (*Bill, error) {
	b, err := scanBill(r.conn(ctx).QueryRow(ctx, `
		UPDATE bills b SET
			payment_status = 'paid',
			paddle_transaction_id = $2,
			last_payment_error = NULL,
			updated_at = NOW()
		WHERE b.paddle_checkout_id = $1
		RETURNING `+billCols, checkoutID, nullIfEmpty(transactionID)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUnmatchedCheckout
	}
	return b, err
}

func (r *billRepoPG) RecordPaymentFailure(ctx context.Context, checkoutID, reason string) (*Bill, error) {
	b, err := scanBill(r.conn(ctx).QueryRow(ctx, `
		UPDATE bills b SET
			last_payment_error = $2,
			updated_at = NOW()
		WHERE b.paddle_checkout_id = $1 AND b.payment_status = 'unpaid'
		RETURNING `+billCols, checkoutID, reason))
	if !errors.Is(err, pgx.ErrNoRows) {
		return b, err
	}

	// Either nothing carries the id or the bill is already paid.
	b, err = scanBill(r.conn(ctx).QueryRow(ctx,
		`SELECT `+billCols+` FROM bills WHERE paddle_checkout_id = $1`, checkoutID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUnmatchedCheckout
	}
	if err != nil {
		return nil, err
	}
	return b, ErrAlreadyPaid
}

// =========== Bill Item Repository ===========

type itemRepoPG struct{ pool *pgxpool.Pool }

func NewItemRepoPG(pool *pgxpool.Pool) ItemRepository { return &itemRepoPG{pool: pool} }

func (r *itemRepoPG) conn(ctx context.Context) db.Querier {
	return db.Resolve(ctx, r.pool)
}

const itemCols = `id, bill_id, item_type, description, quantity, rate::float8, amount::float8, created_at`

func scanItem(row pgx.Row) (*BillItem, error) {
	var it BillItem
	err := row.Scan(&it.ID, &it.BillID, &it.ItemType, &it.Description,
		&it.Quantity, &it.Rate, &it.Amount, &it.CreatedAt)
	return &it, err
}

const insertItemSQL = `
	INSERT INTO bill_items (id, bill_id, item_type, description, quantity, rate, amount)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	RETURNING created_at`

func (r *itemRepoPG) CreateBatch(ctx context.Context, items []*BillItem) error {
	if len(items) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, it := range items {
		it.ID = uuid.New()
		batch.Queue(insertItemSQL, it.ID, it.BillID, it.ItemType, it.Description,
			it.Quantity, it.Rate, it.Amount)
	}

	br := r.conn(ctx).SendBatch(ctx, batch)
	defer br.Close()
	for i, it := range items {
		if err := br.QueryRow().Scan(&it.CreatedAt); err != nil {
			return fmt.Errorf("insert item %d: %w", i, err)
		}
	}
	return br.Close()
}

func (r *itemRepoPG) Create(ctx context.Context, it *BillItem) error {
	it.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, insertItemSQL, it.ID, it.BillID, it.ItemType, it.Description,
		it.Quantity, it.Rate, it.Amount).Scan(&it.CreatedAt)
	if db.IsForeignKeyViolation(err) {
		return notFoundErr("bill")
	}
	return err
}

func (r *itemRepoPG) GetForUpdate(ctx context.Context, billID, itemID uuid.UUID) (*BillItem, error) {
	it, err := scanItem(r.conn(ctx).QueryRow(ctx, `SELECT `+itemCols+` FROM bill_items
		WHERE id = $1 AND bill_id = $2 FOR UPDATE`, itemID, billID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFoundErr("bill item")
	}
	return it, err
}

func (r *itemRepoPG) Update(ctx context.Context, it *BillItem) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE bill_items SET item_type = $3, description = $4, quantity = $5, rate = $6, amount = $7
		WHERE id = $1 AND bill_id = $2`,
		it.ID, it.BillID, it.ItemType, it.Description, it.Quantity, it.Rate, it.Amount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFoundErr("bill item")
	}
	return nil
}

func (r *itemRepoPG) Delete(ctx context.Context, billID, itemID uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM bill_items WHERE id = $1 AND bill_id = $2`, itemID, billID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFoundErr("bill item")
	}
	return nil
}

func (r *itemRepoPG) ListByBill(ctx context.Context, billID uuid.UUID) ([]*BillItem, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+itemCols+` FROM bill_items
		WHERE bill_id = $1 ORDER BY created_at, id`, billID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []*BillItem{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// =========== Payment Event Repository ===========

type paymentEventRepoPG struct{ pool *pgxpool.Pool }

func NewPaymentEventRepoPG(pool *pgxpool.Pool) PaymentEventRepository {
	return &paymentEventRepoPG{pool: pool}
}

func (r *paymentEventRepoPG) conn(ctx context.Context) db.Querier {
	return db.Resolve(ctx, r.pool)
}

const eventCols = `id, COALESCE(event_id, ''), event_type, COALESCE(checkout_id, ''),
	COALESCE(transaction_id, ''), bill_id, outcome, error, payload, received_at`

func scanEvent(row pgx.Row) (*PaymentEvent, error) {
	var e PaymentEvent
	var outcome string
	err := row.Scan(&e.ID, &e.EventID, &e.EventType, &e.CheckoutID,
		&e.TransactionID, &e.BillID, &outcome, &e.Error, &e.Payload, &e.ReceivedAt)
	e.Outcome = Outcome(outcome)
	return &e, err
}

func (r *paymentEventRepoPG) Record(ctx context.Context, e *PaymentEvent) error {
	e.ID = uuid.New()
	payload := e.Payload
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO payment_events (id, event_id, event_type, checkout_id, transaction_id,
			bill_id, outcome, error, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING received_at`,
		e.ID, nullIfEmpty(e.EventID), e.EventType, nullIfEmpty(e.CheckoutID), nullIfEmpty(e.TransactionID),
		e.BillID, string(e.Outcome), e.Error, string(payload),
	).Scan(&e.ReceivedAt)
}

func (r *paymentEventRepoPG) List(ctx context.Context, outcome Outcome, limit, offset int) ([]*PaymentEvent, int, error) {
	where := ``
	args := []interface{}{}
	if outcome != "" {
		where = ` WHERE outcome = $1`
		args = append(args, string(outcome))
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM payment_events`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(`SELECT %s FROM payment_events%s
		ORDER BY received_at DESC LIMIT $%d OFFSET $%d`, eventCols, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	events := []*PaymentEvent{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, e)
	}
	return events, total, rows.Err()
}
