package gates

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/gates"
	"github.com/Ramsey-B/fern/pkg/thresholds"
)

type Evaluator interface {
	Active() thresholds.ThresholdSet
	Evaluate(ctx context.Context, set thresholds.ThresholdSet) (gates.Report, error)
}

type Handler struct {
	evaluator Evaluator
}

func NewHandler(evaluator Evaluator) *Handler {
	return &Handler{evaluator: evaluator}
}

// Register registers release gate routes
func (h *Handler) Register(g *echo.Group) {
	g.GET("/report", h.Report)
}

// Report evaluates the gates against the active thresholds. A failing
// report is still a 200; can_deploy carries the outcome.
func (h *Handler) Report(c echo.Context) error {
	report, err := h.evaluator.Evaluate(c.Request().Context(), h.evaluator.Active())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}
