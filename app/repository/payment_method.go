package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/vibast-solutions/ms-go-billing/app/entity"
)

var ErrPaymentMethodNotFound = errors.New("payment method not found")

const paymentMethodColumns = `
	id, subscriber_id, billing_mode, term_months, status,
	current_period_start, current_period_end,
	card_bin, card_last4, card_brand, pg_provider,
	created_at, updated_at`

type PaymentMethodRepository struct {
	db DBTX
}

func NewPaymentMethodRepository(db DBTX) *PaymentMethodRepository {
	return &PaymentMethodRepository{db: db}
}

func (r *PaymentMethodRepository) Create(ctx context.Context, method *entity.PaymentMethod) error {
	query := `
		INSERT INTO payment_methods (
			subscriber_id, billing_mode, term_months, status,
			current_period_start, current_period_end,
			card_bin, card_last4, card_brand, pg_provider,
			created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := conn(ctx, r.db).ExecContext(ctx, query,
		method.SubscriberID,
		string(method.BillingMode),
		method.TermMonths,
		string(method.Status),
		nullableTimeValue(method.CurrentPeriodStart),
		nullableTimeValue(method.CurrentPeriodEnd),
		nullableStringValue(method.CardBin),
		nullableStringValue(method.CardLast4),
		nullableStringValue(method.CardBrand),
		nullableStringValue(method.PGProvider),
		method.CreatedAt,
		method.UpdatedAt,
	)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	method.ID = uint64(id)
	return nil
}

func (r *PaymentMethodRepository) Update(ctx context.Context, method *entity.PaymentMethod) error {
	query := `
		UPDATE payment_methods SET
			status = ?,
			term_months = ?,
			current_period_start = ?,
			current_period_end = ?,
			card_bin = ?,
			card_last4 = ?,
			card_brand = ?,
			pg_provider = ?,
			updated_at = ?
		WHERE id = ?
	`

	_, err := conn(ctx, r.db).ExecContext(ctx, query,
		string(method.Status),
		method.TermMonths,
		nullableTimeValue(method.CurrentPeriodStart),
		nullableTimeValue(method.CurrentPeriodEnd),
		nullableStringValue(method.CardBin),
		nullableStringValue(method.CardLast4),
		nullableStringValue(method.CardBrand),
		nullableStringValue(method.PGProvider),
		method.UpdatedAt,
		method.ID,
	)
	return err
}

func (r *PaymentMethodRepository) FindByID(ctx context.Context, id uint64) (*entity.PaymentMethod, error) {
	query := `SELECT ` + paymentMethodColumns + ` FROM payment_methods WHERE id = ?`
	return r.findOne(ctx, query, id)
}

// LockByID reads the row with FOR UPDATE. It must run inside RunInTx.
func (r *PaymentMethodRepository) LockByID(ctx context.Context, id uint64) (*entity.PaymentMethod, error) {
	query := `SELECT ` + paymentMethodColumns + ` FROM payment_methods WHERE id = ? FOR UPDATE`
	return r.findOne(ctx, query, id)
}

func (r *PaymentMethodRepository) ListCancelScheduledDue(ctx context.Context, now time.Time, limit int32) ([]*entity.PaymentMethod, error) {
	query := `
		SELECT ` + paymentMethodColumns + `
		FROM payment_methods
		WHERE status = ?
		  AND current_period_end IS NOT NULL
		  AND current_period_end <= ?
		ORDER BY current_period_end ASC
		LIMIT ?
	`

	rows, err := conn(ctx, r.db).QueryContext(ctx, query, string(entity.MethodStatusCancelScheduled), now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	methods := make([]*entity.PaymentMethod, 0)
	for rows.Next() {
		item := &entity.PaymentMethod{}
		if err := scanPaymentMethod(rows, item); err != nil {
			return nil, err
		}
		methods = append(methods, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return methods, nil
}

func (r *PaymentMethodRepository) findOne(ctx context.Context, query string, args ...interface{}) (*entity.PaymentMethod, error) {
	method := &entity.PaymentMethod{}
	if err := scanPaymentMethod(conn(ctx, r.db).QueryRowContext(ctx, query, args...), method); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return method, nil
}

func scanPaymentMethod(scan rowScanner, method *entity.PaymentMethod) error {
	var billingMode, status string
	var periodStart, periodEnd sql.NullTime
	var cardBin, cardLast4, cardBrand, pgProvider sql.NullString

	err := scan.Scan(
		&method.ID,
		&method.SubscriberID,
		&billingMode,
		&method.TermMonths,
		&status,
		&periodStart,
		&periodEnd,
		&cardBin,
		&cardLast4,
		&cardBrand,
		&pgProvider,
		&method.CreatedAt,
		&method.UpdatedAt,
	)
	if err != nil {
		return err
	}

	method.BillingMode = entity.BillingMode(billingMode)
	method.Status = entity.MethodStatus(status)
	method.CurrentPeriodStart = timePtrFromNull(periodStart)
	method.CurrentPeriodEnd = timePtrFromNull(periodEnd)
	method.CardBin = stringPtrFromNull(cardBin)
	method.CardLast4 = stringPtrFromNull(cardLast4)
	method.CardBrand = stringPtrFromNull(cardBrand)
	method.PGProvider = stringPtrFromNull(pgProvider)

	return nil
}
