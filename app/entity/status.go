package entity

type BillingMode string

const (
	BillingModeMonthly     BillingMode = "MONTHLY"
	BillingModePrepaidTerm BillingMode = "PREPAID_TERM"
)

func (m BillingMode) Valid() bool {
	return m == BillingModeMonthly || m == BillingModePrepaidTerm
}

type MethodStatus string

const (
	MethodStatusPending         MethodStatus = "PENDING"
	MethodStatusActive          MethodStatus = "ACTIVE"
	MethodStatusPaused          MethodStatus = "PAUSED"
	MethodStatusCancelScheduled MethodStatus = "CANCEL_SCHEDULED"
	MethodStatusCanceled        MethodStatus = "CANCELED"
	MethodStatusExpired         MethodStatus = "EXPIRED"
)

var methodTransitions = map[MethodStatus][]MethodStatus{
	MethodStatusPending:         {MethodStatusActive},
	MethodStatusExpired:         {MethodStatusActive},
	MethodStatusActive:          {MethodStatusCancelScheduled, MethodStatusExpired},
	MethodStatusCancelScheduled: {MethodStatusCanceled, MethodStatusExpired},
}

func (s MethodStatus) CanTransitionTo(next MethodStatus) bool {
	return allowed(methodTransitions[s], next)
}

type AttemptStatus string

const (
	AttemptStatusPending  AttemptStatus = "PENDING"
	AttemptStatusPaid     AttemptStatus = "PAID"
	AttemptStatusFailed   AttemptStatus = "FAILED"
	AttemptStatusCanceled AttemptStatus = "CANCELED"
	AttemptStatusRefunded AttemptStatus = "REFUNDED"
)

var attemptTransitions = map[AttemptStatus][]AttemptStatus{
	AttemptStatusPending: {AttemptStatusPaid, AttemptStatusFailed, AttemptStatusCanceled},
	AttemptStatusPaid:    {AttemptStatusRefunded},
}

func (s AttemptStatus) CanTransitionTo(next AttemptStatus) bool {
	return allowed(attemptTransitions[s], next)
}

// Settled reports whether the attempt reached a final gateway outcome.
func (s AttemptStatus) Settled() bool {
	return s != AttemptStatusPending
}

type GatewayResult string

const (
	GatewayResultSuccess  GatewayResult = "SUCCESS"
	GatewayResultFail     GatewayResult = "FAIL"
	GatewayResultPending  GatewayResult = "PENDING"
	GatewayResultAccepted GatewayResult = "ACCEPTED"
	GatewayResultTimeout  GatewayResult = "TIMEOUT"
)

// Final is false for results that must not change subscription state.
func (r GatewayResult) Final() bool {
	return r == GatewayResultSuccess || r == GatewayResultFail
}

type ConfirmChannel string

const (
	ConfirmChannelDirect  ConfirmChannel = "DIRECT"
	ConfirmChannelWebhook ConfirmChannel = "WEBHOOK"
	ConfirmChannelBoth    ConfirmChannel = "BOTH"
)

// Merge folds another confirming channel into the current one. Once both
// channels have reported, the result stays BOTH.
func (c ConfirmChannel) Merge(other ConfirmChannel) ConfirmChannel {
	switch {
	case c == "":
		return other
	case other == "" || c == other:
		return c
	default:
		return ConfirmChannelBoth
	}
}

type RefundType string

const (
	RefundTypeFull       RefundType = "FULL"
	RefundTypePartial    RefundType = "PARTIAL"
	RefundTypeVoid       RefundType = "VOID"
	RefundTypeChargeback RefundType = "CHARGEBACK"
)

func (t RefundType) Valid() bool {
	switch t {
	case RefundTypeFull, RefundTypePartial, RefundTypeVoid, RefundTypeChargeback:
		return true
	}
	return false
}

type RefundStatus string

const (
	RefundStatusRequested  RefundStatus = "REQUESTED"
	RefundStatusApproved   RefundStatus = "APPROVED"
	RefundStatusProcessing RefundStatus = "PROCESSING"
	RefundStatusRefunded   RefundStatus = "REFUNDED"
	RefundStatusRejected   RefundStatus = "REJECTED"
	RefundStatusFailed     RefundStatus = "FAILED"
)

var refundTransitions = map[RefundStatus][]RefundStatus{
	RefundStatusRequested:  {RefundStatusApproved, RefundStatusRejected, RefundStatusFailed},
	RefundStatusApproved:   {RefundStatusProcessing, RefundStatusRejected, RefundStatusFailed},
	RefundStatusProcessing: {RefundStatusRefunded, RefundStatusRejected, RefundStatusFailed},
}

func (s RefundStatus) CanTransitionTo(next RefundStatus) bool {
	return allowed(refundTransitions[s], next)
}

// Open reports whether the refund still counts against the refundable amount.
func (s RefundStatus) Open() bool {
	return s == RefundStatusRequested || s == RefundStatusApproved || s == RefundStatusProcessing
}

type RefundMethod string

const (
	RefundMethodOriginal RefundMethod = "ORIGINAL"
	RefundMethodManual   RefundMethod = "MANUAL"
)

func (m RefundMethod) Valid() bool {
	return m == RefundMethodOriginal || m == RefundMethodManual
}

func allowed[T comparable](edges []T, next T) bool {
	for _, edge := range edges {
		if edge == next {
			return true
		}
	}
	return false
}
