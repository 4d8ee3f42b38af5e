package screening

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/screening/internal/platform/auth"
	"github.com/ehr/screening/pkg/pagination"
)

type Handler struct {
	svc *Service
	// heavy guards endpoints that fan out over many patients.
	heavy []echo.MiddlewareFunc
}

func NewHandler(svc *Service, heavy ...echo.MiddlewareFunc) *Handler {
	return &Handler{svc: svc, heavy: heavy}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – admin, physician, nurse
	readGroup := api.Group("", auth.RequireRole("admin", "physician", "nurse"))
	readGroup.GET("/screening-types", h.ListScreeningTypes)
	readGroup.GET("/screening-types/:id", h.GetScreeningType)
	readGroup.GET("/patients/:id/screenings", h.ListPatientScreenings)
	readGroup.GET("/screenings/:id", h.GetScreening)
	readGroup.GET("/documents/:id/rank", h.RankDocument)
	readGroup.GET("/screening-stats", h.GetStatusCounts)
	readGroup.GET("/screening-settings", h.GetSettings)

	// Write endpoints – admin, physician
	writeGroup := api.Group("", auth.RequireRole("admin", "physician"))
	writeGroup.POST("/screening-types", h.CreateScreeningType)
	writeGroup.PUT("/screening-types/:id", h.UpdateScreeningType)
	writeGroup.POST("/patients/:id/screenings/refresh", h.RefreshPatient)
	writeGroup.POST("/screenings/refresh", h.RefreshBatch, h.heavy...)
	writeGroup.POST("/screenings/:id/links", h.AddManualLink)
	writeGroup.POST("/documents/:id/events", h.DocumentChanged)
	writeGroup.DELETE("/documents/:id", h.DeleteDocument)
	writeGroup.POST("/screening-maintenance/cleanup", h.Cleanup, h.heavy...)
	writeGroup.PUT("/screening-settings", h.UpdateSettings)
}

// httpError maps engine errors onto HTTP statuses.
func httpError(err error) error {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case IsNotFound(err):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func parseID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

// -- Screening Type Handlers --

func (h *Handler) ListScreeningTypes(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListScreeningTypes(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetScreeningType(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	st, err := h.svc.GetScreeningType(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) CreateScreeningType(c echo.Context) error {
	var st ScreeningType
	if err := c.Bind(&st); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateScreeningType(c.Request().Context(), &st); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, st)
}

func (h *Handler) UpdateScreeningType(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var st ScreeningType
	if err := c.Bind(&st); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	st.ID = id
	cascade, err := h.svc.UpdateScreeningType(c.Request().Context(), &st)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"screening_type": st,
		"cascade":        cascade,
	})
}

// -- Screening Handlers --

func (h *Handler) ListPatientScreenings(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	items, err := h.svc.ListPatientScreenings(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) GetScreening(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	sc, err := h.svc.GetScreening(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sc)
}

func (h *Handler) RefreshPatient(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	pr, err := h.svc.EvaluatePatient(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if pr.NotFound {
		return echo.NewHTTPError(http.StatusNotFound, "patient not found")
	}
	return c.JSON(http.StatusOK, pr)
}

type refreshRequest struct {
	Selector
	BatchSize        int `json:"batch_size"`
	PatientTimeoutMS int `json:"patient_timeout_ms"`
	BudgetMS         int `json:"budget_ms"`
	Workers          int `json:"workers"`
}

func (h *Handler) RefreshBatch(c echo.Context) error {
	var req refreshRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	opts := BatchOptions{
		BatchSize:      req.BatchSize,
		PatientTimeout: time.Duration(req.PatientTimeoutMS) * time.Millisecond,
		Budget:         time.Duration(req.BudgetMS) * time.Millisecond,
		Workers:        req.Workers,
	}
	res, err := h.svc.EvaluateBatch(c.Request().Context(), req.Selector, opts)
	if err != nil {
		if res != nil {
			return c.JSON(http.StatusOK, res)
		}
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) AddManualLink(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var body struct {
		DocumentID uuid.UUID `json:"document_id"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if body.DocumentID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "document_id is required")
	}
	res, err := h.svc.AddManualLink(c.Request().Context(), id, body.DocumentID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

// -- Document Handlers --

func (h *Handler) RankDocument(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	patientID, err := uuid.Parse(c.QueryParam("patient_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}
	ranked, err := h.svc.RankDocument(c.Request().Context(), patientID, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ranked)
}

func (h *Handler) DocumentChanged(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	pr, err := h.svc.OnDocumentChanged(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pr)
}

func (h *Handler) DeleteDocument(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	res, err := h.svc.OnDocumentDeleted(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// -- Dashboard, Maintenance and Settings Handlers --

func (h *Handler) GetStatusCounts(c echo.Context) error {
	counts, err := h.svc.StatusCounts(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, counts)
}

func (h *Handler) Cleanup(c echo.Context) error {
	repair, _ := strconv.ParseBool(c.QueryParam("repair_incomplete"))
	rep, err := h.svc.Cleanup(c.Request().Context(), repair)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rep)
}

func (h *Handler) GetSettings(c echo.Context) error {
	s, err := h.svc.GetSettings(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, s)
}

func (h *Handler) UpdateSettings(c echo.Context) error {
	var s Settings
	if err := c.Bind(&s); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.UpdateSettings(c.Request().Context(), &s); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, s)
}
