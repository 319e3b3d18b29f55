package records

import (
	"context"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/pipeline"
	"github.com/Ramsey-B/fern/pkg/platform/middleware"
	"github.com/Ramsey-B/fern/pkg/routes/request"
)

// MaxBatch caps the records accepted by one batch request
const MaxBatch = 500

type Processor interface {
	Process(ctx context.Context, raw models.RawRecord) (pipeline.Result, error)
	ProcessBatch(ctx context.Context, records []models.RawRecord) ([]pipeline.BatchItem, error)
}

type Handler struct {
	processor Processor
}

func NewHandler(processor Processor) *Handler {
	return &Handler{processor: processor}
}

// Register registers record ingestion routes
func (h *Handler) Register(g *echo.Group) {
	g.POST("", h.Ingest)
	g.POST("/batch", h.IngestBatch)
}

// Ingest runs one raw record through the pipeline. A duplicate answers 200
// with the original raw fact; new content answers 201.
func (h *Handler) Ingest(c echo.Context) error {
	ctx := c.Request().Context()

	var raw models.RawRecord
	if err := request.Bind(c, &raw); err != nil {
		return err
	}

	res, err := h.processor.Process(ctx, raw)
	if err != nil {
		return err
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	return c.JSON(status, res)
}

type BatchRequest struct {
	Records []models.RawRecord `json:"records" validate:"required,min=1"`
}

type BatchItemResponse struct {
	Index  int              `json:"index"`
	Status int              `json:"status"`
	Result *pipeline.Result `json:"result,omitempty"`
	Error  string           `json:"error,omitempty"`
}

type BatchResponse struct {
	Items     []BatchItemResponse `json:"items"`
	Succeeded int                 `json:"succeeded"`
	Failed    int                 `json:"failed"`
}

// IngestBatch processes records concurrently. Each item carries its own
// status; the request only fails when it is malformed or cancelled.
func (h *Handler) IngestBatch(c echo.Context) error {
	ctx := c.Request().Context()

	var req BatchRequest
	if err := request.Bind(c, &req); err != nil {
		return err
	}
	if len(req.Records) > MaxBatch {
		return httperror.NewHTTPError(http.StatusRequestEntityTooLarge, fmt.Sprintf("batch of %d exceeds limit of %d", len(req.Records), MaxBatch))
	}
	if err := request.Slice(req.Records); err != nil {
		return err
	}

	items, err := h.processor.ProcessBatch(ctx, req.Records)
	if err != nil {
		return err
	}

	resp := BatchResponse{Items: make([]BatchItemResponse, len(items))}
	for i, item := range items {
		out := BatchItemResponse{Index: i, Status: http.StatusCreated}
		switch {
		case item.Error != nil:
			out.Status = statusOf(item.Error)
			out.Error = item.Error.Error()
			resp.Failed++
		default:
			res := item.Result
			out.Result = &res
			if res.Duplicate {
				out.Status = http.StatusOK
			}
			resp.Succeeded++
		}
		resp.Items[i] = out
	}
	return c.JSON(http.StatusOK, resp)
}

func statusOf(err error) int {
	mapped := middleware.ToHTTPError(err)
	if httperror.IsHTTPError(mapped) {
		return httperror.GetStatusCode(mapped)
	}
	return http.StatusInternalServerError
}
