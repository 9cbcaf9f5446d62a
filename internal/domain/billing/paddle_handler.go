package billing

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/entclinic/clinic/internal/platform/auth"
	"github.com/entclinic/clinic/internal/platform/paddle"
	"github.com/entclinic/clinic/internal/platform/webhook"
	"github.com/entclinic/clinic/pkg/pagination"
)

// PaddleHandler serves checkout preparation and the provider's webhook.
type PaddleHandler struct {
	checkout   *CheckoutService
	reconciler *Reconciler
	verifier   *webhook.Verifier
	logger     zerolog.Logger

	// Frontend origins allowed to receive checkout redirects.
	origins map[string]bool
}

// NewPaddleHandler builds the handler. frontendOrigins is the CORS allow
// list; a browser Origin outside it is never used for return URLs.
func NewPaddleHandler(checkout *CheckoutService, reconciler *Reconciler, verifier *webhook.Verifier, frontendOrigins []string, logger zerolog.Logger) *PaddleHandler {
	origins := make(map[string]bool, len(frontendOrigins))
	for _, o := range frontendOrigins {
		if o = strings.TrimSuffix(strings.TrimSpace(o), "/"); o != "" {
			origins[o] = true
		}
	}
	return &PaddleHandler{checkout: checkout, reconciler: reconciler, verifier: verifier, logger: logger, origins: origins}
}

// RegisterRoutes mounts the authenticated routes on api and the webhook on
// public, which must sit outside the auth middleware.
func (h *PaddleHandler) RegisterRoutes(api *echo.Group, public *echo.Echo) {
	api.POST("/paddle/checkout", h.Checkout, auth.RequireRole(auth.RoleBilling))
	api.GET("/paddle/events", h.ListEvents, auth.RequireRole(auth.RoleBilling))

	public.POST("/paddle/webhook", h.Webhook)
}

func (h *PaddleHandler) Checkout(c echo.Context) error {
	var req CheckoutRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.Origin = h.checkoutOrigin(c)

	resp, err := h.checkout.Initiate(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

// checkoutOrigin is the frontend the patient returns to after paying: the
// browser's Origin when it is an allowed frontend, else this server.
func (h *PaddleHandler) checkoutOrigin(c echo.Context) string {
	origin := strings.TrimSuffix(c.Request().Header.Get(echo.HeaderOrigin), "/")
	if origin != "" && (h.origins[origin] || h.origins["*"]) {
		return origin
	}
	if origin != "" {
		h.logger.Warn().Str("origin", origin).Msg("checkout origin not in allowed frontends, using server origin")
	}
	return c.Scheme() + "://" + c.Request().Host
}

// Webhook acknowledges every authentic, well-formed notification with 200,
// including ones that match no bill, so the provider stops retrying them.
func (h *PaddleHandler) Webhook(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "could not read request body")
	}

	if h.verifier.Enabled() {
		if err := h.verifier.Verify(c.Request().Header.Get(webhook.SignatureHeader), body); err != nil {
			h.logger.Warn().Err(err).Str("remote_ip", c.RealIP()).Msg("rejected paddle webhook")
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
		}
	}

	evt, err := paddle.ParseEvent(body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	outcome, err := h.reconciler.Handle(c.Request().Context(), evt)
	resp := map[string]interface{}{"received": true, "outcome": outcome}
	if err != nil && !errors.Is(err, ErrUnmatchedCheckout) {
		// Already logged and recorded by the reconciler.
		resp["error"] = err.Error()
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *PaddleHandler) ListEvents(c echo.Context) error {
	pg := pagination.FromContext(c)
	events, total, err := h.reconciler.ListEvents(c.Request().Context(), Outcome(c.QueryParam("outcome")), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if events == nil {
		events = []*PaymentEvent{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(events, total, pg))
}
