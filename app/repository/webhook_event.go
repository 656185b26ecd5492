package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/vibast-solutions/ms-go-billing/app/entity"
)

const webhookEventColumns = `
	id, payload, signature, timestamp_header, status, attempts, error,
	provider_event_id, event_type, gateway_payment_id,
	received_at, processed_at, updated_at`

type WebhookEventRepository struct {
	db DBTX
}

func NewWebhookEventRepository(db DBTX) *WebhookEventRepository {
	return &WebhookEventRepository{db: db}
}

func (r *WebhookEventRepository) Create(ctx context.Context, event *entity.WebhookEvent) error {
	query := `
		INSERT INTO webhook_events (
			payload, signature, timestamp_header, status, attempts, error,
			provider_event_id, event_type, gateway_payment_id,
			received_at, processed_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := conn(ctx, r.db).ExecContext(ctx, query,
		event.Payload,
		event.Signature,
		event.Timestamp,
		string(event.Status),
		event.Attempts,
		nullableStringValue(event.Error),
		nullableStringValue(event.ProviderEventID),
		nullableStringValue(event.EventType),
		nullableStringValue(event.GatewayPaymentID),
		event.ReceivedAt,
		nullableTimeValue(event.ProcessedAt),
		event.UpdatedAt,
	)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	event.ID = uint64(id)
	return nil
}

func (r *WebhookEventRepository) Update(ctx context.Context, event *entity.WebhookEvent) error {
	query := `
		UPDATE webhook_events SET
			status = ?,
			attempts = ?,
			error = ?,
			provider_event_id = ?,
			event_type = ?,
			gateway_payment_id = ?,
			processed_at = ?,
			updated_at = ?
		WHERE id = ?
	`

	_, err := conn(ctx, r.db).ExecContext(ctx, query,
		string(event.Status),
		event.Attempts,
		nullableStringValue(event.Error),
		nullableStringValue(event.ProviderEventID),
		nullableStringValue(event.EventType),
		nullableStringValue(event.GatewayPaymentID),
		nullableTimeValue(event.ProcessedAt),
		event.UpdatedAt,
		event.ID,
	)
	return err
}

func (r *WebhookEventRepository) FindByID(ctx context.Context, id uint64) (*entity.WebhookEvent, error) {
	query := `SELECT ` + webhookEventColumns + ` FROM webhook_events WHERE id = ?`

	event := &entity.WebhookEvent{}
	if err := scanWebhookEvent(conn(ctx, r.db).QueryRowContext(ctx, query, id), event); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return event, nil
}

// ListPendingReplay returns RECEIVED rows that have sat untouched since before.
func (r *WebhookEventRepository) ListPendingReplay(ctx context.Context, before time.Time, maxAttempts int32, limit int32) ([]*entity.WebhookEvent, error) {
	query := `
		SELECT ` + webhookEventColumns + `
		FROM webhook_events
		WHERE status = ?
		  AND updated_at <= ?
		  AND attempts < ?
		ORDER BY received_at ASC
		LIMIT ?
	`

	rows, err := conn(ctx, r.db).QueryContext(ctx, query, string(entity.WebhookStatusReceived), before, maxAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]*entity.WebhookEvent, 0)
	for rows.Next() {
		item := &entity.WebhookEvent{}
		if err := scanWebhookEvent(rows, item); err != nil {
			return nil, err
		}
		events = append(events, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return events, nil
}

func scanWebhookEvent(scan rowScanner, event *entity.WebhookEvent) error {
	var status string
	var errMsg, providerEventID, eventType, gatewayPaymentID sql.NullString
	var processedAt sql.NullTime

	err := scan.Scan(
		&event.ID,
		&event.Payload,
		&event.Signature,
		&event.Timestamp,
		&status,
		&event.Attempts,
		&errMsg,
		&providerEventID,
		&eventType,
		&gatewayPaymentID,
		&event.ReceivedAt,
		&processedAt,
		&event.UpdatedAt,
	)
	if err != nil {
		return err
	}

	event.Status = entity.WebhookStatus(status)
	event.Error = stringPtrFromNull(errMsg)
	event.ProviderEventID = stringPtrFromNull(providerEventID)
	event.EventType = stringPtrFromNull(eventType)
	event.GatewayPaymentID = stringPtrFromNull(gatewayPaymentID)
	event.ProcessedAt = timePtrFromNull(processedAt)

	return nil
}
