package controller

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-billing/app/factory"
	"github.com/vibast-solutions/ms-go-billing/app/service"
	"github.com/vibast-solutions/ms-go-billing/app/types"
)

type WebhookController struct {
	webhooks *service.WebhookService
	logger   logrus.FieldLogger
}

func NewWebhookController(webhooks *service.WebhookService) *WebhookController {
	return &WebhookController{
		webhooks: webhooks,
		logger:   factory.NewModuleLogger("webhook-controller"),
	}
}

// Receive acknowledges a gateway delivery once it is stored. Verification and
// processing happen asynchronously.
func (c *WebhookController) Receive(ctx echo.Context) error {
	req, err := types.NewWebhookRequestFromContext(ctx)
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return writeError(ctx, http.StatusBadRequest, err.Error())
	}

	event, err := c.webhooks.Ingest(ctx.Request().Context(), req.Payload, req.Signature, req.Timestamp)
	if err != nil {
		factory.LoggerWithContext(c.logger, ctx).WithError(err).Error("Store webhook failed")
		return writeError(ctx, http.StatusInternalServerError, "internal server error")
	}

	return ctx.JSON(http.StatusOK, &types.WebhookAckResponse{Received: true, Id: event.ID})
}
