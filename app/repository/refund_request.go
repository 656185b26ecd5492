package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/vibast-solutions/ms-go-billing/app/entity"
)

var (
	ErrRefundRequestNotFound      = errors.New("refund request not found")
	ErrRefundRequestAlreadyExists = errors.New("refund request already exists")
)

const refundRequestColumns = `
	id, payment_attempt_id, idempotency_key, type, status, method,
	amount_cents, reason, provider_event_id, raw_response, failure_reason,
	created_at, updated_at`

type RefundRequestRepository struct {
	db DBTX
}

func NewRefundRequestRepository(db DBTX) *RefundRequestRepository {
	return &RefundRequestRepository{db: db}
}

func (r *RefundRequestRepository) Create(ctx context.Context, refund *entity.RefundRequest) error {
	query := `
		INSERT INTO refund_requests (
			payment_attempt_id, idempotency_key, type, status, method,
			amount_cents, reason, provider_event_id, raw_response, failure_reason,
			created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := conn(ctx, r.db).ExecContext(ctx, query,
		refund.PaymentAttemptID,
		refund.IdempotencyKey,
		string(refund.Type),
		string(refund.Status),
		string(refund.Method),
		refund.AmountCents,
		nullableStringValue(refund.Reason),
		nullableStringValue(refund.ProviderEventID),
		nullableStringValue(refund.RawResponse),
		nullableStringValue(refund.FailureReason),
		refund.CreatedAt,
		refund.UpdatedAt,
	)
	if err != nil {
		if isDuplicateEntryError(err) {
			return ErrRefundRequestAlreadyExists
		}
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	refund.ID = uint64(id)
	return nil
}

func (r *RefundRequestRepository) Update(ctx context.Context, refund *entity.RefundRequest) error {
	query := `
		UPDATE refund_requests SET
			status = ?,
			amount_cents = ?,
			provider_event_id = ?,
			raw_response = ?,
			failure_reason = ?,
			updated_at = ?
		WHERE id = ?
	`

	_, err := conn(ctx, r.db).ExecContext(ctx, query,
		string(refund.Status),
		refund.AmountCents,
		nullableStringValue(refund.ProviderEventID),
		nullableStringValue(refund.RawResponse),
		nullableStringValue(refund.FailureReason),
		refund.UpdatedAt,
		refund.ID,
	)
	return err
}

func (r *RefundRequestRepository) FindByID(ctx context.Context, id uint64) (*entity.RefundRequest, error) {
	query := `SELECT ` + refundRequestColumns + ` FROM refund_requests WHERE id = ?`
	return r.findOne(ctx, query, id)
}

func (r *RefundRequestRepository) FindByIdempotencyKey(ctx context.Context, key string) (*entity.RefundRequest, error) {
	query := `SELECT ` + refundRequestColumns + ` FROM refund_requests WHERE idempotency_key = ? LIMIT 1`
	return r.findOne(ctx, query, key)
}

// ListByAttempt returns every refund of an attempt, oldest first.
func (r *RefundRequestRepository) ListByAttempt(ctx context.Context, attemptID uint64) ([]*entity.RefundRequest, error) {
	query := `SELECT ` + refundRequestColumns + ` FROM refund_requests WHERE payment_attempt_id = ? ORDER BY id ASC`

	rows, err := conn(ctx, r.db).QueryContext(ctx, query, attemptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	refunds := make([]*entity.RefundRequest, 0)
	for rows.Next() {
		item := &entity.RefundRequest{}
		if err := scanRefundRequest(rows, item); err != nil {
			return nil, err
		}
		refunds = append(refunds, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return refunds, nil
}

func (r *RefundRequestRepository) findOne(ctx context.Context, query string, args ...interface{}) (*entity.RefundRequest, error) {
	refund := &entity.RefundRequest{}
	if err := scanRefundRequest(conn(ctx, r.db).QueryRowContext(ctx, query, args...), refund); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return refund, nil
}

func scanRefundRequest(scan rowScanner, refund *entity.RefundRequest) error {
	var refundType, status, method string
	var reason, providerEventID, rawResponse, failureReason sql.NullString

	err := scan.Scan(
		&refund.ID,
		&refund.PaymentAttemptID,
		&refund.IdempotencyKey,
		&refundType,
		&status,
		&method,
		&refund.AmountCents,
		&reason,
		&providerEventID,
		&rawResponse,
		&failureReason,
		&refund.CreatedAt,
		&refund.UpdatedAt,
	)
	if err != nil {
		return err
	}

	refund.Type = entity.RefundType(refundType)
	refund.Status = entity.RefundStatus(status)
	refund.Method = entity.RefundMethod(method)
	refund.Reason = stringPtrFromNull(reason)
	refund.ProviderEventID = stringPtrFromNull(providerEventID)
	refund.RawResponse = stringPtrFromNull(rawResponse)
	refund.FailureReason = stringPtrFromNull(failureReason)

	return nil
}
