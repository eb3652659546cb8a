package summary

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/summary/internal/platform/auth"
	"github.com/ehr/summary/internal/platform/versioning"
	"github.com/ehr/summary/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Pipeline triggers – document pipeline service accounts
	pipeline := api.Group("", auth.RequireRole(auth.RoleService))
	pipeline.POST("/documents/processed", h.DocumentProcessed)
	pipeline.POST("/patients/:id/summary/rebuild", h.Rebuild)

	// Clinician actions
	write := api.Group("", auth.RequireRole(auth.RoleClinician))
	write.POST("/patients/:id/corrections", h.SubmitCorrection)
	write.POST("/patients/:id/summary/hide", h.HideItem)

	// Reads
	read := api.Group("", auth.RequireRole(auth.RoleClinician, auth.RoleService))
	read.GET("/patients/:id/summary", h.GetSummary)
	read.GET("/patients/:id/summary/_history", h.ListHistory)
	read.GET("/patients/:id/summary/_history/:version", h.GetHistoryVersion)
	read.GET("/patients/:id/corrections", h.ListCorrections)
}

type documentProcessedRequest struct {
	PatientID    string          `json:"patientId"`
	DocumentID   string          `json:"documentId"`
	DocumentType string          `json:"documentType"`
	UploadedAt   *time.Time      `json:"uploadedAt"`
	Entities     json.RawMessage `json:"extractedEntities"`
}

type mergeResponse struct {
	Summary *PatientSummary `json:"summary"`
	Report  MergeReport     `json:"report"`
}

func (h *Handler) DocumentProcessed(c echo.Context) error {
	var req documentProcessedRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ev, err := req.event()
	if err != nil {
		return httpError(c, err)
	}

	// The merge is detached from the request so a client timeout cannot
	// abandon it halfway; the document id guard keeps a resubmission safe.
	ctx := context.WithoutCancel(c.Request().Context())
	res, err := h.svc.ProcessDocument(ctx, ev)
	if err != nil {
		return httpError(c, err)
	}
	versioning.SetVersionHeaders(c, res.Summary.Version, res.Summary.GeneratedAt)
	return c.JSON(http.StatusOK, mergeResponse{Summary: res.Summary, Report: res.Report})
}

// ParseDocumentProcessed decodes the document-processed payload shared by the
// HTTP endpoint and the event consumer.
func ParseDocumentProcessed(data []byte) (DocumentProcessed, error) {
	var req documentProcessedRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return DocumentProcessed{}, requestError("", "malformed document event: %v", err)
	}
	return req.event()
}

func (r documentProcessedRequest) event() (DocumentProcessed, error) {
	pid, err := uuid.Parse(r.PatientID)
	if err != nil {
		return DocumentProcessed{}, requestError("patientId", "must be a UUID")
	}
	did, err := uuid.Parse(r.DocumentID)
	if err != nil {
		return DocumentProcessed{}, requestError("documentId", "must be a UUID")
	}
	ev := DocumentProcessed{
		PatientID:    pid,
		DocumentID:   did,
		DocumentType: r.DocumentType,
		Entities:     r.Entities,
	}
	if r.UploadedAt != nil {
		ev.UploadedAt = *r.UploadedAt
	}
	return ev, nil
}

type correctionRequest struct {
	Field       string      `json:"field"`
	Action      string      `json:"action"`
	ValueBefore string      `json:"valueBefore"`
	ValueAfter  string      `json:"valueAfter"`
	UserID      string      `json:"userId"`
	SourceDocs  []uuid.UUID `json:"sourceDocs"`
}

type correctionResponse struct {
	Correction Correction      `json:"correction"`
	Summary    *PatientSummary `json:"summary,omitempty"`
	Pending    bool            `json:"pending"`
}

func (h *Handler) SubmitCorrection(c echo.Context) error {
	pid, err := patientParam(c)
	if err != nil {
		return err
	}
	var req correctionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	res, err := h.svc.SubmitCorrection(context.WithoutCancel(c.Request().Context()), Correction{
		PatientID:   pid,
		Field:       req.Field,
		Action:      req.Action,
		ValueBefore: req.ValueBefore,
		ValueAfter:  req.ValueAfter,
		UserID:      actingUser(c, req.UserID),
		SourceDocs:  req.SourceDocs,
	})
	if err != nil {
		return httpError(c, err)
	}
	return respondCorrection(c, res)
}

type hideRequest struct {
	ItemType string `json:"itemType"`
	ItemID   string `json:"itemId"`
	UserID   string `json:"userId"`
}

func (h *Handler) HideItem(c echo.Context) error {
	pid, err := patientParam(c)
	if err != nil {
		return err
	}
	var req hideRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	res, err := h.svc.HideItem(context.WithoutCancel(c.Request().Context()), pid, req.ItemType, req.ItemID, actingUser(c, req.UserID))
	if err != nil {
		return httpError(c, err)
	}
	return respondCorrection(c, res)
}

// respondCorrection answers 201 when the correction is already reflected in
// the stored summary and 202 when it will be applied by a later merge.
func respondCorrection(c echo.Context, res *CorrectionResult) error {
	status := http.StatusCreated
	if res.Pending {
		status = http.StatusAccepted
	}
	if res.Summary != nil {
		versioning.SetVersionHeaders(c, res.Summary.Version, res.Summary.GeneratedAt)
	}
	return c.JSON(status, correctionResponse{Correction: res.Correction, Summary: res.Summary, Pending: res.Pending})
}

func (h *Handler) Rebuild(c echo.Context) error {
	pid, err := patientParam(c)
	if err != nil {
		return err
	}
	res, err := h.svc.Rebuild(context.WithoutCancel(c.Request().Context()), pid)
	if err != nil {
		return httpError(c, err)
	}
	versioning.SetVersionHeaders(c, res.Summary.Version, res.Summary.GeneratedAt)
	return c.JSON(http.StatusOK, mergeResponse{Summary: res.Summary, Report: res.Report})
}

func (h *Handler) GetSummary(c echo.Context) error {
	pid, err := patientParam(c)
	if err != nil {
		return err
	}
	s, err := h.svc.GetSummary(c.Request().Context(), pid)
	if err != nil {
		return httpError(c, err)
	}
	if versioning.CheckIfNoneMatch(c, s.Version) {
		versioning.SetVersionHeaders(c, s.Version, s.GeneratedAt)
		return c.NoContent(http.StatusNotModified)
	}
	versioning.SetVersionHeaders(c, s.Version, s.GeneratedAt)
	return c.JSON(http.StatusOK, s)
}

func (h *Handler) ListHistory(c echo.Context) error {
	pid, err := patientParam(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.History(c.Request().Context(), pid, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(c, err)
	}
	if items == nil {
		items = []*HistoryEntry{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetHistoryVersion(c echo.Context) error {
	pid, err := patientParam(c)
	if err != nil {
		return err
	}
	version, err := strconv.Atoi(c.Param("version"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid version")
	}
	entry, err := h.svc.GetVersion(c.Request().Context(), pid, version)
	if err != nil {
		return httpError(c, err)
	}
	versioning.SetVersionHeaders(c, entry.Version, entry.CreatedAt)
	return c.JSON(http.StatusOK, entry)
}

func (h *Handler) ListCorrections(c echo.Context) error {
	pid, err := patientParam(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListCorrections(c.Request().Context(), pid, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func patientParam(c echo.Context) (uuid.UUID, error) {
	pid, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	return pid, nil
}

// actingUser prefers the authenticated subject over a user id in the body.
func actingUser(c echo.Context, fromBody string) string {
	if uid := auth.UserIDFromContext(c.Request().Context()); uid != "" {
		return uid
	}
	return fromBody
}

// httpError maps service errors onto HTTP statuses.
func httpError(c echo.Context, err error) error {
	switch {
	case IsValidation(err):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrDocumentNotFound):
		return echo.NewHTTPError(http.StatusNotFound, ErrDocumentNotFound.Error())
	case errors.Is(err, ErrUnextractable):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, ErrNotFound.Error())
	case errors.Is(err, ErrRetriesExhausted):
		c.Response().Header().Set("Retry-After", "1")
		return echo.NewHTTPError(http.StatusServiceUnavailable, ErrRetriesExhausted.Error())
	case errors.Is(err, context.DeadlineExceeded):
		c.Response().Header().Set("Retry-After", "1")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "summary store timed out, try again")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
}
