// Package handler exposes the duplicate audit batch endpoint.
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"trapline/internal/dupaudit"
	dErrors "trapline/pkg/domain-errors"
	"trapline/pkg/platform/httputil"
	"trapline/pkg/requestcontext"
)

// Auditor is the batch surface the handler depends on.
type Auditor interface {
	Run(ctx context.Context, opts dupaudit.Options) (dupaudit.Report, error)
}

// Handler triggers audit runs.
type Handler struct {
	logger  *slog.Logger
	auditor Auditor
}

func New(auditor Auditor, logger *slog.Logger) *Handler {
	return &Handler{logger: logger, auditor: auditor}
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/dupaudit/run", h.handleRun)
}

type runRequest struct {
	DryRun bool `json:"dryRun"`
}

type plannedOpResponse struct {
	Action       string `json:"action"`
	SourceID     string `json:"sourceId"`
	TargetID     string `json:"targetId"`
	Reason       string `json:"reason"`
	Tier         int    `json:"tier"`
	SourceSystem string `json:"sourceSystem"`
}

type runResponse struct {
	Processed int                 `json:"processed"`
	Succeeded int                 `json:"succeeded"`
	Failed    int                 `json:"failed"`
	Skipped   int                 `json:"skipped"`
	DryRun    bool                `json:"dryRun"`
	BySource  map[string]int      `json:"bySource,omitempty"`
	ByTier    map[int]int         `json:"byTier,omitempty"`
	Planned   []plannedOpResponse `json:"planned,omitempty"`
}

func (h *Handler) handleRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, err := httputil.Decode[runRequest](r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	report, err := h.auditor.Run(ctx, dupaudit.Options{DryRun: req.DryRun})
	if err != nil {
		h.logger.ErrorContext(ctx, "duplicate audit run failed",
			"request_id", requestcontext.RequestID(ctx),
			"error", err.Error(),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, "audit run failed"))
		return
	}

	resp := runResponse{
		Processed: report.Processed,
		Succeeded: report.Succeeded,
		Failed:    report.Failed,
		Skipped:   report.Skipped,
		DryRun:    report.DryRun,
		BySource:  report.BySource,
		ByTier:    report.ByTier,
	}
	if report.DryRun {
		resp.Planned = make([]plannedOpResponse, 0, len(report.Planned))
		for _, op := range report.Planned {
			resp.Planned = append(resp.Planned, plannedOpResponse{
				Action:       string(op.Action),
				SourceID:     op.SourceID.String(),
				TargetID:     op.TargetID.String(),
				Reason:       op.Reason,
				Tier:         op.Tier,
				SourceSystem: op.SourceSystem,
			})
		}
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}
