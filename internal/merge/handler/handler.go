// Package handler exposes the staff merge operations.
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"trapline/internal/merge"
	id "trapline/pkg/domain"
	dErrors "trapline/pkg/domain-errors"
	"trapline/pkg/platform/httputil"
	"trapline/pkg/requestcontext"
)

// Manager is the merge surface the handler depends on.
type Manager interface {
	Merge(ctx context.Context, source, target id.EntityID, reason string) (merge.Edge, error)
	Flatten(ctx context.Context) (int, error)
}

// Handler handles corrective merges invoked by staff.
type Handler struct {
	logger  *slog.Logger
	manager Manager
}

func New(manager Manager, logger *slog.Logger) *Handler {
	return &Handler{logger: logger, manager: manager}
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/merges", h.handleMerge)
	r.Post("/merges/flatten", h.handleFlatten)
}

type mergeRequest struct {
	SourceID string `json:"sourceId"`
	TargetID string `json:"targetId"`
	Reason   string `json:"reason"`
	Actor    string `json:"actor"`
}

type mergeResponse struct {
	EdgeID   string `json:"edgeId"`
	SourceID string `json:"sourceId"`
	TargetID string `json:"targetId"`
	Reason   string `json:"reason"`
	Actor    string `json:"actor"`
}

func (h *Handler) handleMerge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, err := httputil.Decode[mergeRequest](r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	source, err := id.ParseEntityID(req.SourceID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	target, err := id.ParseEntityID(req.TargetID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.Reason == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "merge reason is required"))
		return
	}
	if req.Actor != "" {
		ctx = requestcontext.WithActor(ctx, req.Actor)
	}

	edge, err := h.manager.Merge(ctx, source, target, req.Reason)
	if err != nil {
		switch {
		case dErrors.HasCode(err, dErrors.CodeNotFound),
			dErrors.HasCode(err, dErrors.CodeAlreadyDone),
			dErrors.HasCode(err, dErrors.CodeInvariant):
			httputil.WriteError(w, err)
		default:
			h.logger.ErrorContext(ctx, "merge failed",
				"request_id", requestcontext.RequestID(ctx),
				"error", err.Error(),
			)
			httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, "merge failed"))
		}
		return
	}

	httputil.WriteJSON(w, http.StatusOK, mergeResponse{
		EdgeID:   edge.ID.String(),
		SourceID: edge.SourceID.String(),
		TargetID: edge.TargetID.String(),
		Reason:   edge.Reason,
		Actor:    edge.Actor,
	})
}

func (h *Handler) handleFlatten(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rewritten, err := h.manager.Flatten(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "flatten failed",
			"request_id", requestcontext.RequestID(ctx),
			"error", err.Error(),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, "flatten failed"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]int{"rewritten": rewritten})
}
