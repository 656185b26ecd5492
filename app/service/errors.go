package service

import "errors"

var (
	ErrInvalidRequest              = errors.New("invalid request")
	ErrPaymentMethodNotFound       = errors.New("payment method not found")
	ErrPaymentAttemptNotFound      = errors.New("payment attempt not found")
	ErrPaymentAttemptAlreadyExists = errors.New("payment attempt already exists")
	ErrRefundNotFound              = errors.New("refund request not found")
	ErrInvalidTransition           = errors.New("invalid status transition")
	ErrConflictingState            = errors.New("conflicting payment state")
	ErrRefundExceedsPaid           = errors.New("refund exceeds paid amount")
	ErrAttemptNotRefundable        = errors.New("payment attempt is not refundable")
	ErrRefundInProgress            = errors.New("another refund is in progress")
	ErrGatewayUnavailable          = errors.New("payment gateway unavailable")
	ErrBusy                        = errors.New("service is busy")
)
