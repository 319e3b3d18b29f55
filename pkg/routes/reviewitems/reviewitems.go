package reviewitems

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/platform/appctx"
	"github.com/Ramsey-B/fern/pkg/review"
	"github.com/Ramsey-B/fern/pkg/routes/request"
)

type Queue interface {
	List(ctx context.Context, filter models.ReviewFilter) ([]models.ReviewItem, error)
	Get(ctx context.Context, id string) (models.ReviewItem, error)
	RecordVerdict(ctx context.Context, itemID string, verdict models.Verdict, reviewerID string) (models.MergeRecord, error)
	Health(ctx context.Context) (review.QueueHealth, error)
}

type Handler struct {
	queue Queue
}

func NewHandler(queue Queue) *Handler {
	return &Handler{queue: queue}
}

// Register registers review queue routes
func (h *Handler) Register(g *echo.Group) {
	g.GET("", h.ListReviewItems)
	g.GET("/health", h.Health)
	g.GET("/:id", h.GetReviewItem)
	g.POST("/:id/verdict", h.RecordVerdict)
}

type listQuery struct {
	Status           models.ReviewStatus `query:"status" validate:"omitempty,oneof=pending resolved"`
	Reason           models.ReviewReason `query:"reason"`
	RelationshipType string              `query:"relationship_type"`
	EntityID         string              `query:"entity_id"`
	Limit            int                 `query:"limit" validate:"gte=0,lte=1000"`
}

// ListReviewItems returns items in priority order. Status defaults to
// pending.
func (h *Handler) ListReviewItems(c echo.Context) error {
	var q listQuery
	if err := request.Bind(c, &q); err != nil {
		return err
	}
	if q.Status == "" {
		q.Status = models.ReviewPending
	}

	items, err := h.queue.List(c.Request().Context(), models.ReviewFilter{
		Status:           q.Status,
		Reason:           q.Reason,
		RelationshipType: q.RelationshipType,
		EntityID:         q.EntityID,
		Limit:            q.Limit,
	})
	if err != nil {
		return err
	}
	if items == nil {
		items = []models.ReviewItem{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) GetReviewItem(c echo.Context) error {
	item, err := h.queue.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, item)
}

type VerdictRequest struct {
	Verdict    models.Verdict `json:"verdict" validate:"required,oneof=match no_match"`
	ReviewerID string         `json:"reviewer_id,omitempty" validate:"omitempty,max=200"`
}

// RecordVerdict resolves a pending item. The authenticated subject is the
// reviewer when auth is on; otherwise reviewer_id is required.
func (h *Handler) RecordVerdict(c echo.Context) error {
	ctx := c.Request().Context()

	var req VerdictRequest
	if err := request.Bind(c, &req); err != nil {
		return err
	}

	reviewer := appctx.GetUserID(ctx)
	if reviewer == "" {
		reviewer = req.ReviewerID
	}
	if reviewer == "" {
		return models.NewValidationError("reviewer_id", "is required")
	}

	rec, err := h.queue.RecordVerdict(ctx, c.Param("id"), req.Verdict, reviewer)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

// Health reports queue depth and age. A degraded queue answers 200 with
// degraded=true; it is a signal about the scorer, not about this service.
func (h *Handler) Health(c echo.Context) error {
	health, err := h.queue.Health(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, health)
}
