package order

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lims/lims/internal/platform/apperr"
	"github.com/lims/lims/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole("admin", "technician", "supervisor", "reception"))
	read.GET("/orders/:id", h.GetOrder)
	read.GET("/orders/:id/items", h.ListItems)
	read.POST("/orders/:id/recompute", h.Recompute)

	intake := api.Group("", auth.RequireRole("admin", "reception"))
	intake.POST("/orders", h.CreateOrder)
	intake.POST("/orders/:id/finalize", h.Finalize)
	intake.POST("/samples", h.RegisterSample)
	intake.POST("/samples/:id/bindings", h.BindSample)
	intake.DELETE("/samples/:id/bindings/:item_id", h.VoidBinding)

	review := api.Group("", auth.RequireRole("admin", "supervisor"))
	review.POST("/orders/:id/publish", h.Publish)
	review.POST("/items/:id/report/approve", h.ApproveReport)
}

func httpError(err error) error {
	return echo.NewHTTPError(apperr.HTTPStatus(err), err.Error())
}

func parseID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

type createItemRequest struct {
	MethodID   uuid.UUID `json:"method_id"`
	Reportless bool      `json:"reportless"`
	Sampleless bool      `json:"sampleless"`
}

type createOrderRequest struct {
	PatientID        uuid.UUID           `json:"patient_id"`
	ReferrerID       *uuid.UUID          `json:"referrer_id"`
	NotifyPatient    bool                `json:"notify_patient"`
	NotifyReferrer   bool                `json:"notify_referrer"`
	EstimatedReadyAt *time.Time          `json:"estimated_ready_at"`
	Items            []createItemRequest `json:"items"`
}

type orderResponse struct {
	*Order
	Items []*Item `json:"items"`
}

func (h *Handler) CreateOrder(c echo.Context) error {
	var req createOrderRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	o := &Order{
		PatientID:        req.PatientID,
		ReferrerID:       req.ReferrerID,
		NotifyPatient:    req.NotifyPatient,
		NotifyReferrer:   req.NotifyReferrer,
		EstimatedReadyAt: req.EstimatedReadyAt,
	}
	items := make([]*Item, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, &Item{MethodID: it.MethodID, Reportless: it.Reportless, Sampleless: it.Sampleless})
	}
	if err := h.svc.CreateOrder(c.Request().Context(), o, items); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, orderResponse{Order: o, Items: items})
}

func (h *Handler) GetOrder(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	o, err := h.svc.GetOrder(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) ListItems(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	items, err := h.svc.ListItems(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

type statusResponse struct {
	OrderID uuid.UUID `json:"order_id"`
	Status  Status    `json:"status"`
	Seeded  *int      `json:"seeded,omitempty"`
}

func (h *Handler) Finalize(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	status, seeded, err := h.svc.Finalize(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, statusResponse{OrderID: id, Status: status, Seeded: &seeded})
}

func (h *Handler) Recompute(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	status, err := h.svc.Recompute(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, statusResponse{OrderID: id, Status: status})
}

func (h *Handler) Publish(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	status, err := h.svc.Publish(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, statusResponse{OrderID: id, Status: status})
}

func (h *Handler) ApproveReport(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	status, err := h.svc.ApproveReport(ctx, id, auth.UserIDFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"item_id": id, "order_status": status})
}

type registerSampleRequest struct {
	Barcode     string     `json:"barcode"`
	CollectedAt *time.Time `json:"collected_at"`
}

func (h *Handler) RegisterSample(c echo.Context) error {
	var req registerSampleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	smp := &Sample{Barcode: req.Barcode, CollectedAt: req.CollectedAt}
	if err := h.svc.RegisterSample(c.Request().Context(), smp); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, smp)
}

type bindRequest struct {
	ItemID uuid.UUID `json:"item_id"`
}

func (h *Handler) BindSample(c echo.Context) error {
	sampleID, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req bindRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ItemID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "item_id is required")
	}
	b, err := h.svc.BindSample(c.Request().Context(), sampleID, req.ItemID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, b)
}

func (h *Handler) VoidBinding(c echo.Context) error {
	sampleID, err := parseID(c, "id")
	if err != nil {
		return err
	}
	itemID, err := parseID(c, "item_id")
	if err != nil {
		return err
	}
	if err := h.svc.VoidBinding(c.Request().Context(), sampleID, itemID); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
