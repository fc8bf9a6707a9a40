// Package handler exposes the lineage diagnostics endpoints.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"trapline/internal/lineage"
	"trapline/internal/merge"
	id "trapline/pkg/domain"
	dErrors "trapline/pkg/domain-errors"
	"trapline/pkg/platform/httputil"
	"trapline/pkg/requestcontext"
)

// Service is the lineage surface the handler depends on.
type Service interface {
	Lineage(ctx context.Context, entityID id.EntityID) (merge.Lineage, error)
	Sources(ctx context.Context, entityID id.EntityID) (lineage.Sources, error)
}

// Handler serves the read-only entity diagnostics.
type Handler struct {
	logger  *slog.Logger
	service Service
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{logger: logger, service: service}
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/entities/{id}/lineage", h.handleLineage)
	r.Get("/entities/{id}/sources", h.handleSources)
}

type edgeResponse struct {
	ID        string    `json:"id"`
	SourceID  string    `json:"sourceId"`
	TargetID  string    `json:"targetId"`
	Reason    string    `json:"reason"`
	Actor     string    `json:"actor"`
	CreatedAt time.Time `json:"createdAt"`
}

type lineageResponse struct {
	EntityID     string         `json:"entityId"`
	MergedInto   string         `json:"mergedInto,omitempty"`
	AbsorbedFrom []string       `json:"absorbedFrom"`
	Edges        []edgeResponse `json:"edges"`
}

func (h *Handler) handleLineage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	entityID, err := id.ParseEntityID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	lin, err := h.service.Lineage(ctx, entityID)
	if err != nil {
		h.writeServiceError(ctx, w, err, "lineage lookup failed")
		return
	}

	resp := lineageResponse{
		EntityID:     lin.Entity.String(),
		AbsorbedFrom: make([]string, 0, len(lin.AbsorbedFrom)),
		Edges:        make([]edgeResponse, 0, len(lin.Edges)),
	}
	if lin.MergedInto != nil {
		resp.MergedInto = lin.MergedInto.String()
	}
	for _, absorbed := range lin.AbsorbedFrom {
		resp.AbsorbedFrom = append(resp.AbsorbedFrom, absorbed.String())
	}
	for _, edge := range lin.Edges {
		resp.Edges = append(resp.Edges, edgeResponse{
			ID:        edge.ID.String(),
			SourceID:  edge.SourceID.String(),
			TargetID:  edge.TargetID.String(),
			Reason:    edge.Reason,
			Actor:     edge.Actor,
			CreatedAt: edge.CreatedAt,
		})
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

type identifierResponse struct {
	Type         string  `json:"type"`
	Normalized   string  `json:"normalized"`
	Confidence   float64 `json:"confidence"`
	SourceSystem string  `json:"sourceSystem"`
	Shared       bool    `json:"shared,omitempty"`
}

type decisionResponse struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Reason       string    `json:"reason"`
	SourceSystem string    `json:"sourceSystem"`
	CreatedAt    time.Time `json:"createdAt"`
}

type sourcesResponse struct {
	EntityID    string               `json:"entityId"`
	DisplayName string               `json:"displayName"`
	Active      bool                 `json:"active"`
	Identifiers []identifierResponse `json:"identifiers"`
	Decisions   []decisionResponse   `json:"decisions"`
}

func (h *Handler) handleSources(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	entityID, err := id.ParseEntityID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	src, err := h.service.Sources(ctx, entityID)
	if err != nil {
		h.writeServiceError(ctx, w, err, "sources lookup failed")
		return
	}

	resp := sourcesResponse{
		EntityID:    src.Entity.ID.String(),
		DisplayName: src.Entity.DisplayName,
		Active:      src.Entity.Active(),
		Identifiers: make([]identifierResponse, 0, len(src.Identifiers)),
		Decisions:   make([]decisionResponse, 0, len(src.Decisions)),
	}
	for _, ident := range src.Identifiers {
		resp.Identifiers = append(resp.Identifiers, identifierResponse{
			Type:         string(ident.Type),
			Normalized:   ident.Normalized,
			Confidence:   ident.Confidence,
			SourceSystem: ident.SourceSystem,
			Shared:       ident.Shared,
		})
	}
	for _, d := range src.Decisions {
		resp.Decisions = append(resp.Decisions, decisionResponse{
			ID:           d.ID.String(),
			Type:         string(d.Type),
			Reason:       d.Reason,
			SourceSystem: d.SourceSystem,
			CreatedAt:    d.CreatedAt,
		})
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeServiceError(ctx context.Context, w http.ResponseWriter, err error, msg string) {
	if dErrors.HasCode(err, dErrors.CodeNotFound) || dErrors.HasCode(err, dErrors.CodeInvalidInput) {
		httputil.WriteError(w, err)
		return
	}
	h.logger.ErrorContext(ctx, msg,
		"request_id", requestcontext.RequestID(ctx),
		"error", err.Error(),
	)
	httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, msg))
}
