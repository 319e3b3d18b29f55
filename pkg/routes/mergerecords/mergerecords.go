package mergerecords

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/platform/appctx"
	"github.com/Ramsey-B/fern/pkg/routes/request"
)

type Reader interface {
	GetMergeRecord(ctx context.Context, id string) (models.MergeRecord, error)
}

type Reverser interface {
	Reverse(ctx context.Context, mergeRecordID string, meta merging.ReverseMeta) (models.MergeRecord, error)
}

type Handler struct {
	reader   Reader
	reverser Reverser
}

func NewHandler(reader Reader, reverser Reverser) *Handler {
	return &Handler{reader: reader, reverser: reverser}
}

// Register registers merge record routes
func (h *Handler) Register(g *echo.Group) {
	g.GET("/:id", h.GetMergeRecord)
	g.POST("/:id/reverse", h.Reverse)
}

func (h *Handler) GetMergeRecord(c echo.Context) error {
	rec, err := h.reader.GetMergeRecord(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

type ReverseRequest struct {
	Reason     string `json:"reason" validate:"required,max=1000"`
	ReviewerID string `json:"reviewer_id,omitempty" validate:"omitempty,max=200"`
}

// Reverse appends a reversal record. The authenticated caller, when there
// is one, is recorded as the reviewer over anything in the body.
func (h *Handler) Reverse(c echo.Context) error {
	ctx := c.Request().Context()

	var req ReverseRequest
	if err := request.Bind(c, &req); err != nil {
		return err
	}

	meta := merging.ReverseMeta{Source: models.DecisionSourceHuman, Reason: req.Reason}
	if reviewer := reviewerID(ctx, req.ReviewerID); reviewer != "" {
		meta.ReviewerID = &reviewer
	}

	rec, err := h.reverser.Reverse(ctx, c.Param("id"), meta)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, rec)
}

func reviewerID(ctx context.Context, fallback string) string {
	if id := appctx.GetUserID(ctx); id != "" {
		return id
	}
	return fallback
}
