package audit

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/routes/request"
)

type Sampler interface {
	Sample(ctx context.Context, limit int) ([]models.ReviewItem, error)
}

type Handler struct {
	sampler Sampler
}

func NewHandler(sampler Sampler) *Handler {
	return &Handler{sampler: sampler}
}

// Register registers audit routes
func (h *Handler) Register(g *echo.Group) {
	g.GET("/sample", h.Sample)
}

type sampleQuery struct {
	Limit int `query:"limit" validate:"gte=0,lte=1000"`
}

// Sample returns pending audit items with the automatic decision hidden
func (h *Handler) Sample(c echo.Context) error {
	var q sampleQuery
	if err := request.Bind(c, &q); err != nil {
		return err
	}

	items, err := h.sampler.Sample(c.Request().Context(), q.Limit)
	if err != nil {
		return err
	}
	if items == nil {
		items = []models.ReviewItem{}
	}
	return c.JSON(http.StatusOK, items)
}
