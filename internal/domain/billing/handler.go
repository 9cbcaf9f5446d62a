package billing

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/entclinic/clinic/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – admin, billing, clinician
	readGroup := api.Group("", auth.RequireRole(auth.RoleBilling, auth.RoleClinician))
	readGroup.GET("/bills", h.ListBills)
	readGroup.GET("/bills/:id", h.GetBill)
	readGroup.GET("/bills/:id/items", h.ListItems)

	// Write endpoints – admin, billing
	writeGroup := api.Group("", auth.RequireRole(auth.RoleBilling))
	writeGroup.POST("/bills", h.CreateBill)
	writeGroup.PUT("/bills/:id", h.UpdateBill)
	writeGroup.DELETE("/bills/:id", h.DeleteBill)
	writeGroup.POST("/bills/:id/items", h.AddItem)
	writeGroup.PUT("/bills/:id/items", h.UpdateItem)
	writeGroup.DELETE("/bills/:id/items", h.DeleteItem)
}

// httpError maps service errors onto HTTP statuses. Anything unrecognised
// is a 500 whose cause is kept for the error handler's log line.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
}

func billID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// -- Bill Handlers --

func (h *Handler) CreateBill(c echo.Context) error {
	var req CreateBillRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	bill, err := h.svc.CreateBill(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, bill)
}

func (h *Handler) GetBill(c echo.Context) error {
	id, err := billID(c)
	if err != nil {
		return err
	}
	bill, err := h.svc.GetBill(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, bill)
}

func (h *Handler) ListBills(c echo.Context) error {
	var f BillFilter
	if patientID := c.QueryParam("patient_id"); patientID != "" {
		pid, err := uuid.Parse(patientID)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		f.PatientID = &pid
	}
	f.PaymentStatus = c.QueryParam("payment_status")

	bills, err := h.svc.ListBills(c.Request().Context(), f)
	if err != nil {
		return httpError(err)
	}
	if bills == nil {
		bills = []*Bill{}
	}
	return c.JSON(http.StatusOK, bills)
}

func (h *Handler) UpdateBill(c echo.Context) error {
	id, err := billID(c)
	if err != nil {
		return err
	}
	var req UpdateBillRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	bill, err := h.svc.UpdateBill(c.Request().Context(), id, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, bill)
}

func (h *Handler) DeleteBill(c echo.Context) error {
	id, err := billID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteBill(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "Bill deleted successfully"})
}

// -- Bill Item Handlers --

func (h *Handler) ListItems(c echo.Context) error {
	id, err := billID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListItems(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*BillItem{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) AddItem(c echo.Context) error {
	id, err := billID(c)
	if err != nil {
		return err
	}
	var in ItemInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	item, err := h.svc.AddItem(c.Request().Context(), id, in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, item)
}

func (h *Handler) UpdateItem(c echo.Context) error {
	id, err := billID(c)
	if err != nil {
		return err
	}
	var patch ItemPatch
	if err := c.Bind(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	item, err := h.svc.UpdateItem(c.Request().Context(), id, patch)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, item)
}

func (h *Handler) DeleteItem(c echo.Context) error {
	id, err := billID(c)
	if err != nil {
		return err
	}
	var body struct {
		ItemID uuid.UUID `json:"item_id"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.DeleteItem(c.Request().Context(), id, body.ItemID); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "Bill item deleted successfully"})
}
