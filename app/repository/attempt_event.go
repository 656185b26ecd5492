package repository

import (
	"context"

	"github.com/vibast-solutions/ms-go-billing/app/entity"
)

type AttemptEventRepository struct {
	db DBTX
}

func NewAttemptEventRepository(db DBTX) *AttemptEventRepository {
	return &AttemptEventRepository{db: db}
}

func (r *AttemptEventRepository) Create(ctx context.Context, event *entity.AttemptEvent) error {
	query := `
		INSERT INTO attempt_events (
			payment_attempt_id, event_type, channel, old_status, new_status, payload_json, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	result, err := conn(ctx, r.db).ExecContext(ctx, query,
		event.PaymentAttemptID,
		event.EventType,
		nullableEnumValue(event.Channel),
		nullableEnumValue(event.OldStatus),
		string(event.NewStatus),
		nullableStringValue(event.PayloadJSON),
		event.CreatedAt,
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
