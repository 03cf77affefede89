package stage

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lims/lims/internal/platform/apperr"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/pkg/pagination"
)

type Handler struct {
	coord  *Coordinator
	engine *Engine
	reader *Reader
}

func NewHandler(coord *Coordinator, engine *Engine, reader *Reader) *Handler {
	return &Handler{coord: coord, engine: engine, reader: reader}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole("admin", "technician", "supervisor"))
	read.GET("/stages/:id", h.GetStage)
	read.GET("/items/:id/stages", h.ItemHistory)
	read.GET("/items/:id/prior-stages", h.PriorStages)
	read.GET("/sections/:id/stats", h.SectionStats)
	read.GET("/sections/:id/stages", h.Worklist)

	// Section-level permissions are checked by the authorization gate.
	bench := api.Group("", auth.RequireRole("admin", "technician", "supervisor"))
	bench.POST("/samples/:barcode/enter", h.EnterSample)
	bench.POST("/items/:id/enter", h.EnterItem)
	bench.POST("/stages/:id/actions", h.SubmitAction)
	bench.POST("/items/:id/progress", h.Progress)
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

type enterRequest struct {
	SectionID uuid.UUID `json:"section_id"`
}

func (r enterRequest) validate() error {
	if r.SectionID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "section_id is required")
	}
	return nil
}

func (h *Handler) EnterSample(c echo.Context) error {
	var req enterRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := req.validate(); err != nil {
		return err
	}
	user := auth.UserIDFromContext(c.Request().Context())
	states, err := h.coord.Enter(c.Request().Context(), c.Param("barcode"), req.SectionID, user)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, states)
}

func (h *Handler) EnterItem(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req enterRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := req.validate(); err != nil {
		return err
	}
	user := auth.UserIDFromContext(c.Request().Context())
	st, err := h.coord.EnterItem(c.Request().Context(), id, req.SectionID, user)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, st)
}

type actionRequest struct {
	ActionType string     `json:"action_type"`
	Parameters Parameters `json:"parameters"`
	Details    string     `json:"details"`
	Next       *int       `json:"next"`
}

func (h *Handler) SubmitAction(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req actionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	action, err := ParseActionType(req.ActionType)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	user := auth.UserIDFromContext(c.Request().Context())
	res, err := h.engine.Apply(c.Request().Context(), id, Command{
		Action:     action,
		Parameters: req.Parameters,
		Details:    req.Details,
		Target:     req.Next,
	}, user)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Progress(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	res, err := h.engine.Progress(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) GetStage(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	st, err := h.reader.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) ItemHistory(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	hist, err := h.reader.ItemHistory(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if hist == nil {
		hist = History{}
	}
	return c.JSON(http.StatusOK, hist)
}

func (h *Handler) PriorStages(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	upto := 0
	if v := c.QueryParam("upto"); v != "" {
		if upto, err = strconv.Atoi(v); err != nil || upto < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "upto must be a positive integer")
		}
	}
	steps, err := h.reader.PriorStages(c.Request().Context(), id, upto)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, steps)
}

func (h *Handler) SectionStats(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	stats, err := h.reader.SectionStats(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *Handler) Worklist(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var status Status
	if v := c.QueryParam("status"); v != "" {
		if status, err = ParseStatus(v); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	pg := pagination.FromContext(c)
	states, total, err := h.reader.Worklist(c.Request().Context(), id, status, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(states, total, pg.Limit, pg.Offset))
}
