package thresholds

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/gates"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/routes/request"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/thresholds"
)

type Thresholder interface {
	Active() thresholds.ThresholdSet
	Apply(ctx context.Context, set thresholds.ThresholdSet) (gates.Report, error)
	Evaluate(ctx context.Context, set thresholds.ThresholdSet) (gates.Report, error)
}

type Handler struct {
	thresholder Thresholder
	labels      store.GoldLabels
	defaults    thresholds.TuneOptions
}

// NewHandler builds threshold routes. defaults fill tune options the
// request leaves out.
func NewHandler(thresholder Thresholder, labels store.GoldLabels, defaults thresholds.TuneOptions) *Handler {
	return &Handler{thresholder: thresholder, labels: labels, defaults: defaults}
}

// Register registers threshold routes
func (h *Handler) Register(g *echo.Group) {
	g.GET("", h.GetThresholds)
	g.PUT("", h.PutThresholds)
	g.POST("/tune", h.Tune)
}

func (h *Handler) GetThresholds(c echo.Context) error {
	return c.JSON(http.StatusOK, h.thresholder.Active())
}

type ChangeResponse struct {
	Thresholds thresholds.ThresholdSet `json:"thresholds"`
	Report     gates.Report            `json:"report"`
}

// PutThresholds swaps in a new set when every release gate passes under it.
// A blocked change answers 422 with the failing report.
func (h *Handler) PutThresholds(c echo.Context) error {
	var set thresholds.ThresholdSet
	if err := request.Bind(c, &set); err != nil {
		return err
	}
	if set.Version == "" {
		return models.NewValidationError("version", "is required")
	}
	return h.apply(c, set)
}

type TuneRequest struct {
	Version         string   `json:"version" validate:"required"`
	TargetPrecision *float64 `json:"target_precision,omitempty" validate:"omitempty,gt=0,lte=1"`
	MinSamples      *int     `json:"min_samples,omitempty" validate:"omitempty,gte=1"`
	Confidence      *float64 `json:"confidence,omitempty" validate:"omitempty,gt=0,lt=1"`
	// Apply swaps the tuned set in, subject to the gates. Otherwise the
	// proposal and its gate report are returned without changing anything.
	Apply bool `json:"apply"`
}

type TuneResponse struct {
	Proposed thresholds.ThresholdSet `json:"proposed"`
	Report   gates.Report            `json:"report"`
	Failures map[string]string       `json:"failures,omitempty"`
	Applied  bool                    `json:"applied"`
}

// Tune derives bands from the gold labels
func (h *Handler) Tune(c echo.Context) error {
	ctx := c.Request().Context()

	var req TuneRequest
	if err := request.Bind(c, &req); err != nil {
		return err
	}
	opts := h.defaults
	if req.TargetPrecision != nil {
		opts.TargetPrecision = *req.TargetPrecision
	}
	if req.MinSamples != nil {
		opts.MinSamples = *req.MinSamples
	}
	if req.Confidence != nil {
		opts.Confidence = *req.Confidence
	}

	labels, err := h.labels.ListGoldLabels(ctx, store.GoldLabelFilter{})
	if err != nil {
		return err
	}

	proposed, failures := thresholds.TuneSet(h.thresholder.Active(), labels, opts, req.Version)
	resp := TuneResponse{Proposed: proposed}
	if len(failures) > 0 {
		resp.Failures = make(map[string]string, len(failures))
		for t, ferr := range failures {
			resp.Failures[t] = ferr.Error()
		}
	}

	if !req.Apply {
		report, err := h.thresholder.Evaluate(ctx, proposed)
		if err != nil {
			return err
		}
		resp.Report = report
		return c.JSON(http.StatusOK, resp)
	}

	report, err := h.thresholder.Apply(ctx, proposed)
	resp.Report = report
	var gate *models.GateFailureError
	if errors.As(err, &gate) {
		return c.JSON(http.StatusUnprocessableEntity, resp)
	}
	if err != nil {
		return err
	}
	resp.Applied = true
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) apply(c echo.Context, set thresholds.ThresholdSet) error {
	report, err := h.thresholder.Apply(c.Request().Context(), set)
	var gate *models.GateFailureError
	if errors.As(err, &gate) {
		return c.JSON(http.StatusUnprocessableEntity, ChangeResponse{Thresholds: h.thresholder.Active(), Report: report})
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ChangeResponse{Thresholds: h.thresholder.Active(), Report: report})
}
