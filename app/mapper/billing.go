package mapper

import (
	"time"

	"github.com/vibast-solutions/ms-go-billing/app/entity"
	"github.com/vibast-solutions/ms-go-billing/app/types"
)

func PaymentMethodToProto(item *entity.PaymentMethod) *types.PaymentMethod {
	if item == nil {
		return nil
	}

	return &types.PaymentMethod{
		Id:                 item.ID,
		SubscriberId:       item.SubscriberID,
		BillingMode:        string(item.BillingMode),
		TermMonths:         item.TermMonths,
		Status:             string(item.Status),
		CurrentPeriodStart: formatTime(item.CurrentPeriodStart),
		CurrentPeriodEnd:   formatTime(item.CurrentPeriodEnd),
		CardBin:            derefString(item.CardBin),
		CardLast4:          derefString(item.CardLast4),
		CardBrand:          derefString(item.CardBrand),
		PgProvider:         derefString(item.PGProvider),
		CreatedAt:          item.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:          item.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func PaymentAttemptToProto(item *entity.PaymentAttempt) *types.PaymentAttempt {
	if item == nil {
		return nil
	}

	result := &types.PaymentAttempt{
		Id:               item.ID,
		PaymentMethodId:  item.PaymentMethodID,
		GatewayPaymentId: item.GatewayPaymentID,
		Status:           string(item.Status),
		AmountCents:      item.AmountCents,
		Currency:         item.Currency,
		RefundedCents:    item.RefundedCents,
		ReceiptUrl:       derefString(item.ReceiptURL),
		ConfirmedVia:     string(item.Channel()),
		PaidAt:           formatTime(item.PaidAt),
		PeriodStart:      formatTime(item.PeriodStart),
		PeriodEnd:        formatTime(item.PeriodEnd),
		CreatedAt:        item.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:        item.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if item.GatewayResult != nil {
		result.GatewayResult = string(*item.GatewayResult)
	}
	return result
}

func RefundRequestToProto(item *entity.RefundRequest) *types.RefundRequest {
	if item == nil {
		return nil
	}

	return &types.RefundRequest{
		Id:               item.ID,
		PaymentAttemptId: item.PaymentAttemptID,
		IdempotencyKey:   item.IdempotencyKey,
		Type:             string(item.Type),
		Status:           string(item.Status),
		Method:           string(item.Method),
		AmountCents:      item.AmountCents,
		Reason:           derefString(item.Reason),
		FailureReason:    derefString(item.FailureReason),
		CreatedAt:        item.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:        item.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func formatTime(v *time.Time) string {
	if v == nil {
		return ""
	}
	return v.UTC().Format(time.RFC3339)
}
