package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/vibast-solutions/ms-go-billing/app/entity"
)

var (
	ErrPaymentAttemptNotFound      = errors.New("payment attempt not found")
	ErrPaymentAttemptAlreadyExists = errors.New("payment attempt already exists")
)

const paymentAttemptColumns = `
	id, payment_method_id, gateway_payment_id, status, gateway_result,
	amount_cents, currency, refunded_cents,
	raw_response, receipt_url, confirmed_via,
	paid_at, period_start, period_end, previous_period_end,
	created_at, updated_at`

type PaymentAttemptRepository struct {
	db DBTX
}

func NewPaymentAttemptRepository(db DBTX) *PaymentAttemptRepository {
	return &PaymentAttemptRepository{db: db}
}

func (r *PaymentAttemptRepository) Create(ctx context.Context, attempt *entity.PaymentAttempt) error {
	query := `
		INSERT INTO payment_attempts (
			payment_method_id, gateway_payment_id, status, gateway_result,
			amount_cents, currency, refunded_cents,
			raw_response, receipt_url, confirmed_via,
			paid_at, period_start, period_end, previous_period_end,
			created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := conn(ctx, r.db).ExecContext(ctx, query,
		attempt.PaymentMethodID,
		attempt.GatewayPaymentID,
		string(attempt.Status),
		nullableEnumValue(attempt.GatewayResult),
		attempt.AmountCents,
		attempt.Currency,
		attempt.RefundedCents,
		nullableStringValue(attempt.RawResponse),
		nullableStringValue(attempt.ReceiptURL),
		nullableEnumValue(attempt.ConfirmedVia),
		nullableTimeValue(attempt.PaidAt),
		nullableTimeValue(attempt.PeriodStart),
		nullableTimeValue(attempt.PeriodEnd),
		nullableTimeValue(attempt.PreviousPeriodEnd),
		attempt.CreatedAt,
		attempt.UpdatedAt,
	)
	if err != nil {
		if isDuplicateEntryError(err) {
			return ErrPaymentAttemptAlreadyExists
		}
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	attempt.ID = uint64(id)
	return nil
}

func (r *PaymentAttemptRepository) Update(ctx context.Context, attempt *entity.PaymentAttempt) error {
	query := `
		UPDATE payment_attempts SET
			status = ?,
			gateway_result = ?,
			refunded_cents = ?,
			raw_response = ?,
			receipt_url = ?,
			confirmed_via = ?,
			paid_at = ?,
			period_start = ?,
			period_end = ?,
			previous_period_end = ?,
			updated_at = ?
		WHERE id = ?
	`

	_, err := conn(ctx, r.db).ExecContext(ctx, query,
		string(attempt.Status),
		nullableEnumValue(attempt.GatewayResult),
		attempt.RefundedCents,
		nullableStringValue(attempt.RawResponse),
		nullableStringValue(attempt.ReceiptURL),
		nullableEnumValue(attempt.ConfirmedVia),
		nullableTimeValue(attempt.PaidAt),
		nullableTimeValue(attempt.PeriodStart),
		nullableTimeValue(attempt.PeriodEnd),
		nullableTimeValue(attempt.PreviousPeriodEnd),
		attempt.UpdatedAt,
		attempt.ID,
	)
	return err
}

func (r *PaymentAttemptRepository) FindByID(ctx context.Context, id uint64) (*entity.PaymentAttempt, error) {
	query := `SELECT ` + paymentAttemptColumns + ` FROM payment_attempts WHERE id = ?`
	return r.findOne(ctx, query, id)
}

func (r *PaymentAttemptRepository) FindByGatewayPaymentID(ctx context.Context, gatewayPaymentID string) (*entity.PaymentAttempt, error) {
	query := `SELECT ` + paymentAttemptColumns + ` FROM payment_attempts WHERE gateway_payment_id = ? LIMIT 1`
	return r.findOne(ctx, query, gatewayPaymentID)
}

// LockByGatewayPaymentID reads the row with FOR UPDATE. It must run inside RunInTx.
func (r *PaymentAttemptRepository) LockByGatewayPaymentID(ctx context.Context, gatewayPaymentID string) (*entity.PaymentAttempt, error) {
	query := `SELECT ` + paymentAttemptColumns + ` FROM payment_attempts WHERE gateway_payment_id = ? FOR UPDATE`
	return r.findOne(ctx, query, gatewayPaymentID)
}

func (r *PaymentAttemptRepository) LockByID(ctx context.Context, id uint64) (*entity.PaymentAttempt, error) {
	query := `SELECT ` + paymentAttemptColumns + ` FROM payment_attempts WHERE id = ? FOR UPDATE`
	return r.findOne(ctx, query, id)
}

// FindLatestSettledForMethod returns the most recent attempt that was ever paid,
// including ones refunded since.
func (r *PaymentAttemptRepository) FindLatestSettledForMethod(ctx context.Context, methodID uint64) (*entity.PaymentAttempt, error) {
	query := `
		SELECT ` + paymentAttemptColumns + `
		FROM payment_attempts
		WHERE payment_method_id = ?
		  AND paid_at IS NOT NULL
		ORDER BY paid_at DESC, id DESC
		LIMIT 1
	`
	return r.findOne(ctx, query, methodID)
}

func (r *PaymentAttemptRepository) ListStalePending(ctx context.Context, before time.Time, limit int32) ([]*entity.PaymentAttempt, error) {
	query := `
		SELECT ` + paymentAttemptColumns + `
		FROM payment_attempts
		WHERE status = ?
		  AND updated_at <= ?
		ORDER BY updated_at ASC
		LIMIT ?
	`

	rows, err := conn(ctx, r.db).QueryContext(ctx, query, string(entity.AttemptStatusPending), before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	attempts := make([]*entity.PaymentAttempt, 0)
	for rows.Next() {
		item := &entity.PaymentAttempt{}
		if err := scanPaymentAttempt(rows, item); err != nil {
			return nil, err
		}
		attempts = append(attempts, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return attempts, nil
}

func (r *PaymentAttemptRepository) findOne(ctx context.Context, query string, args ...interface{}) (*entity.PaymentAttempt, error) {
	attempt := &entity.PaymentAttempt{}
	if err := scanPaymentAttempt(conn(ctx, r.db).QueryRowContext(ctx, query, args...), attempt); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return attempt, nil
}

func scanPaymentAttempt(scan rowScanner, attempt *entity.PaymentAttempt) error {
	var status string
	var gatewayResult, rawResponse, receiptURL, confirmedVia sql.NullString
	var paidAt, periodStart, periodEnd, previousPeriodEnd sql.NullTime

	err := scan.Scan(
		&attempt.ID,
		&attempt.PaymentMethodID,
		&attempt.GatewayPaymentID,
		&status,
		&gatewayResult,
		&attempt.AmountCents,
		&attempt.Currency,
		&attempt.RefundedCents,
		&rawResponse,
		&receiptURL,
		&confirmedVia,
		&paidAt,
		&periodStart,
		&periodEnd,
		&previousPeriodEnd,
		&attempt.CreatedAt,
		&attempt.UpdatedAt,
	)
	if err != nil {
		return err
	}

	attempt.Status = entity.AttemptStatus(status)
	attempt.GatewayResult = enumPtrFromNull[entity.GatewayResult](gatewayResult)
	attempt.RawResponse = stringPtrFromNull(rawResponse)
	attempt.ReceiptURL = stringPtrFromNull(receiptURL)
	attempt.ConfirmedVia = enumPtrFromNull[entity.ConfirmChannel](confirmedVia)
	attempt.PaidAt = timePtrFromNull(paidAt)
	attempt.PeriodStart = timePtrFromNull(periodStart)
	attempt.PeriodEnd = timePtrFromNull(periodEnd)
	attempt.PreviousPeriodEnd = timePtrFromNull(previousPeriodEnd)

	return nil
}
