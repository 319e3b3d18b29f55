package relationships

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/routes/request"
)

type Reader interface {
	GetRelationship(ctx context.Context, id string) (models.Relationship, error)
	ListRelationships(ctx context.Context, filter models.RelationshipFilter) ([]models.Relationship, error)
}

type Handler struct {
	reader Reader
}

func NewHandler(reader Reader) *Handler {
	return &Handler{reader: reader}
}

// Register registers relationship routes
func (h *Handler) Register(g *echo.Group) {
	g.GET("", h.ListRelationships)
	g.GET("/:id", h.GetRelationship)
}

// ListRelationships returns current relationships matching the query.
// include_history=true adds superseded rows.
func (h *Handler) ListRelationships(c echo.Context) error {
	var filter models.RelationshipFilter
	if err := request.Bind(c, &filter); err != nil {
		return err
	}

	rels, err := h.reader.ListRelationships(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	if rels == nil {
		rels = []models.Relationship{}
	}
	return c.JSON(http.StatusOK, rels)
}

func (h *Handler) GetRelationship(c echo.Context) error {
	rel, err := h.reader.GetRelationship(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rel)
}
