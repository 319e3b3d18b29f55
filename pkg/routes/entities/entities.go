package entities

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/pipeline"
	"github.com/Ramsey-B/fern/pkg/routes/request"
)

type Reader interface {
	GetEntity(ctx context.Context, id string) (models.Entity, error)
	ListRelationships(ctx context.Context, filter models.RelationshipFilter) ([]models.Relationship, error)
	ListMergeRecordsByEntity(ctx context.Context, entityID string) ([]models.MergeRecord, error)
}

type Analyzer interface {
	Analyze(ctx context.Context, entityID string) (pipeline.Report, error)
}

type Handler struct {
	reader          Reader
	analyzer        Analyzer
	analysisTimeout time.Duration
}

// NewHandler builds entity routes. analysisTimeout bounds one deep analysis;
// zero leaves only the request deadline.
func NewHandler(reader Reader, analyzer Analyzer, analysisTimeout time.Duration) *Handler {
	return &Handler{reader: reader, analyzer: analyzer, analysisTimeout: analysisTimeout}
}

// Register registers entity routes
func (h *Handler) Register(g *echo.Group) {
	g.GET("/:id", h.GetEntity)
	g.GET("/:id/relationships", h.GetEntityRelationships)
	g.GET("/:id/merge-records", h.GetEntityMergeRecords)
	g.POST("/:id/analysis", h.Analyze)
}

// GetEntity returns the entity in whatever state it is in. A superseded
// entity carries superseded_by so callers can follow it to the survivor.
func (h *Handler) GetEntity(c echo.Context) error {
	ent, err := h.reader.GetEntity(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ent)
}

// GetEntityRelationships lists relationships at either end of the entity
func (h *Handler) GetEntityRelationships(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	if _, err := h.reader.GetEntity(ctx, id); err != nil {
		return err
	}

	var filter models.RelationshipFilter
	if err := request.Bind(c, &filter); err != nil {
		return err
	}
	filter.EntityID = id

	rels, err := h.reader.ListRelationships(ctx, filter)
	if err != nil {
		return err
	}
	if rels == nil {
		rels = []models.Relationship{}
	}
	return c.JSON(http.StatusOK, rels)
}

// GetEntityMergeRecords returns the entity's history, oldest first
func (h *Handler) GetEntityMergeRecords(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	if _, err := h.reader.GetEntity(ctx, id); err != nil {
		return err
	}

	recs, err := h.reader.ListMergeRecordsByEntity(ctx, id)
	if err != nil {
		return err
	}
	if recs == nil {
		recs = []models.MergeRecord{}
	}
	return c.JSON(http.StatusOK, recs)
}

// Analyze runs deep analysis. A deadline or client disconnect still answers
// 200 with a partial report.
func (h *Handler) Analyze(c echo.Context) error {
	ctx := c.Request().Context()
	if h.analysisTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.analysisTimeout)
		defer cancel()
	}

	report, err := h.analyzer.Analyze(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}
