package controller

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-billing/app/factory"
	"github.com/vibast-solutions/ms-go-billing/app/mapper"
	"github.com/vibast-solutions/ms-go-billing/app/service"
	"github.com/vibast-solutions/ms-go-billing/app/types"
)

type BillingController struct {
	checkout *service.CheckoutService
	logger   logrus.FieldLogger
}

func NewBillingController(checkout *service.CheckoutService) *BillingController {
	return &BillingController{
		checkout: checkout,
		logger:   factory.NewModuleLogger("billing-controller"),
	}
}

func (c *BillingController) Health(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, &types.HealthResponse{Status: "ok"})
}

func (c *BillingController) CreateCheckout(ctx echo.Context) error {
	req, err := types.NewCreateCheckoutRequestFromContext(ctx)
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return writeError(ctx, http.StatusBadRequest, err.Error())
	}

	method, attempt, err := c.checkout.CreateCheckout(ctx.Request().Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidRequest):
			return writeError(ctx, http.StatusBadRequest, err.Error())
		case errors.Is(err, service.ErrPaymentMethodNotFound):
			return writeError(ctx, http.StatusNotFound, "payment method not found")
		case errors.Is(err, service.ErrPaymentAttemptAlreadyExists), errors.Is(err, service.ErrInvalidTransition):
			return writeError(ctx, http.StatusConflict, err.Error())
		default:
			factory.LoggerWithContext(c.logger, ctx).WithError(err).Error("Create checkout failed")
			return writeError(ctx, http.StatusInternalServerError, "internal server error")
		}
	}

	return ctx.JSON(http.StatusCreated, &types.CheckoutResponse{
		PaymentMethod: mapper.PaymentMethodToProto(method),
		Attempt:       mapper.PaymentAttemptToProto(attempt),
	})
}

func (c *BillingController) ConfirmPayment(ctx echo.Context) error {
	req, err := types.NewGatewayPaymentRequestFromContext(ctx)
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return writeError(ctx, http.StatusBadRequest, err.Error())
	}

	result, err := c.checkout.ConfirmDirect(ctx.Request().Context(), req.GetGatewayPaymentId())
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidRequest):
			return writeError(ctx, http.StatusBadRequest, err.Error())
		case errors.Is(err, service.ErrPaymentAttemptNotFound):
			return writeError(ctx, http.StatusNotFound, "payment attempt not found")
		case errors.Is(err, service.ErrConflictingState):
			return writeError(ctx, http.StatusConflict, err.Error())
		case errors.Is(err, service.ErrBusy):
			return writeError(ctx, http.StatusServiceUnavailable, "confirmation queue is full, retry later")
		default:
			factory.LoggerWithContext(c.logger, ctx).WithError(err).Error("Confirm payment failed")
			return writeError(ctx, http.StatusInternalServerError, "internal server error")
		}
	}

	status := http.StatusOK
	if result.Pending {
		status = http.StatusAccepted
	}
	return ctx.JSON(status, &types.ConfirmResponse{
		Attempt:       mapper.PaymentAttemptToProto(result.Attempt),
		PaymentMethod: mapper.PaymentMethodToProto(result.Method),
		Pending:       result.Pending,
		Skipped:       result.Skipped,
	})
}

func (c *BillingController) GetAttempt(ctx echo.Context) error {
	req, err := types.NewGatewayPaymentRequestFromContext(ctx)
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return writeError(ctx, http.StatusBadRequest, err.Error())
	}

	attempt, err := c.checkout.GetAttempt(ctx.Request().Context(), req.GetGatewayPaymentId())
	if err != nil {
		if errors.Is(err, service.ErrPaymentAttemptNotFound) {
			return writeError(ctx, http.StatusNotFound, "payment attempt not found")
		}
		factory.LoggerWithContext(c.logger, ctx).WithError(err).Error("Get attempt failed")
		return writeError(ctx, http.StatusInternalServerError, "internal server error")
	}

	return ctx.JSON(http.StatusOK, &types.PaymentAttemptResponse{Attempt: mapper.PaymentAttemptToProto(attempt)})
}

func (c *BillingController) GetPaymentMethod(ctx echo.Context) error {
	req, err := types.NewPaymentMethodRequestFromContext(ctx)
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return writeError(ctx, http.StatusBadRequest, err.Error())
	}

	method, err := c.checkout.GetPaymentMethod(ctx.Request().Context(), req.GetId())
	if err != nil {
		if errors.Is(err, service.ErrPaymentMethodNotFound) {
			return writeError(ctx, http.StatusNotFound, "payment method not found")
		}
		factory.LoggerWithContext(c.logger, ctx).WithError(err).Error("Get payment method failed")
		return writeError(ctx, http.StatusInternalServerError, "internal server error")
	}

	return ctx.JSON(http.StatusOK, &types.PaymentMethodResponse{PaymentMethod: mapper.PaymentMethodToProto(method)})
}

func (c *BillingController) CancelSubscription(ctx echo.Context) error {
	req, err := types.NewPaymentMethodRequestFromContext(ctx)
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return writeError(ctx, http.StatusBadRequest, err.Error())
	}

	method, err := c.checkout.CancelSubscription(ctx.Request().Context(), req.GetId())
	if err != nil {
		switch {
		case errors.Is(err, service.ErrPaymentMethodNotFound):
			return writeError(ctx, http.StatusNotFound, "payment method not found")
		case errors.Is(err, service.ErrInvalidTransition):
			return writeError(ctx, http.StatusConflict, err.Error())
		default:
			factory.LoggerWithContext(c.logger, ctx).WithError(err).Error("Cancel subscription failed")
			return writeError(ctx, http.StatusInternalServerError, "internal server error")
		}
	}

	return ctx.JSON(http.StatusOK, &types.PaymentMethodResponse{PaymentMethod: mapper.PaymentMethodToProto(method)})
}

func writeError(ctx echo.Context, statusCode int, message string) error {
	return ctx.JSON(statusCode, &types.ErrorResponse{Error: message})
}
