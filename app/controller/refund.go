package controller

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-billing/app/entity"
	"github.com/vibast-solutions/ms-go-billing/app/factory"
	"github.com/vibast-solutions/ms-go-billing/app/mapper"
	"github.com/vibast-solutions/ms-go-billing/app/service"
	"github.com/vibast-solutions/ms-go-billing/app/types"
)

type RefundController struct {
	refunds *service.RefundWorkflow
	logger  logrus.FieldLogger
}

func NewRefundController(refunds *service.RefundWorkflow) *RefundController {
	return &RefundController{
		refunds: refunds,
		logger:  factory.NewModuleLogger("refund-controller"),
	}
}

func (c *RefundController) RequestRefund(ctx echo.Context) error {
	req, err := types.NewCreateRefundRequestFromContext(ctx)
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return writeError(ctx, http.StatusBadRequest, err.Error())
	}

	refund, err := c.refunds.RequestRefund(ctx.Request().Context(), req)
	if err != nil {
		return c.handleError(ctx, err, "Request refund failed")
	}

	return ctx.JSON(http.StatusCreated, &types.RefundResponse{Refund: mapper.RefundRequestToProto(refund)})
}

func (c *RefundController) GetRefund(ctx echo.Context) error {
	return c.act(ctx, "Get refund failed", func(rctx context.Context, req *types.RefundActionRequest) (*entity.RefundRequest, error) {
		return c.refunds.Get(rctx, req.GetId())
	})
}

func (c *RefundController) ApproveRefund(ctx echo.Context) error {
	return c.act(ctx, "Approve refund failed", func(rctx context.Context, req *types.RefundActionRequest) (*entity.RefundRequest, error) {
		return c.refunds.Approve(rctx, req.GetId())
	})
}

func (c *RefundController) RejectRefund(ctx echo.Context) error {
	return c.act(ctx, "Reject refund failed", func(rctx context.Context, req *types.RefundActionRequest) (*entity.RefundRequest, error) {
		return c.refunds.Reject(rctx, req.GetId(), req.GetReason())
	})
}

func (c *RefundController) ProcessRefund(ctx echo.Context) error {
	return c.act(ctx, "Process refund failed", func(rctx context.Context, req *types.RefundActionRequest) (*entity.RefundRequest, error) {
		return c.refunds.Process(rctx, req.GetId())
	})
}

func (c *RefundController) act(ctx echo.Context, message string, fn func(context.Context, *types.RefundActionRequest) (*entity.RefundRequest, error)) error {
	req, err := types.NewRefundActionRequestFromContext(ctx)
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return writeError(ctx, http.StatusBadRequest, err.Error())
	}

	refund, err := fn(ctx.Request().Context(), req)
	if err != nil {
		return c.handleError(ctx, err, message)
	}

	return ctx.JSON(http.StatusOK, &types.RefundResponse{Refund: mapper.RefundRequestToProto(refund)})
}

func (c *RefundController) handleError(ctx echo.Context, err error, message string) error {
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		return writeError(ctx, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrPaymentAttemptNotFound):
		return writeError(ctx, http.StatusNotFound, "payment attempt not found")
	case errors.Is(err, service.ErrRefundNotFound):
		return writeError(ctx, http.StatusNotFound, "refund request not found")
	case errors.Is(err, service.ErrInvalidTransition), errors.Is(err, service.ErrRefundInProgress):
		return writeError(ctx, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrRefundExceedsPaid), errors.Is(err, service.ErrAttemptNotRefundable):
		return writeError(ctx, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, service.ErrGatewayUnavailable):
		return writeError(ctx, http.StatusServiceUnavailable, "payment gateway unavailable, retry later")
	default:
		factory.LoggerWithContext(c.logger, ctx).WithError(err).Error(message)
		return writeError(ctx, http.StatusInternalServerError, "internal server error")
	}
}
