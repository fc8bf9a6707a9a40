// Package handler exposes the resolution pipeline over HTTP.
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"trapline/internal/decision"
	"trapline/internal/entity"
	"trapline/internal/normalize"
	dErrors "trapline/pkg/domain-errors"
	"trapline/pkg/platform/httputil"
	"trapline/pkg/requestcontext"
)

// Service is the resolution surface the handler depends on.
type Service interface {
	Resolve(ctx context.Context, rec normalize.Record) (decision.Result, error)
	ListDuplicates(ctx context.Context, status decision.DuplicateStatus) ([]decision.PotentialDuplicate, error)
	ListDuplicatesByIdentifier(ctx context.Context, typ entity.IdentifierType, raw string) ([]decision.PotentialDuplicate, error)
}

// Handler handles resolution endpoints.
type Handler struct {
	logger  *slog.Logger
	service Service
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{logger: logger, service: service}
}

// Register mounts the resolution routes.
func (h *Handler) Register(r chi.Router) {
	r.Post("/resolve", h.handleResolve)
	r.Get("/duplicates", h.handleListDuplicates)
}

type resolveRequest struct {
	Email        string `json:"email"`
	Phone        string `json:"phone"`
	FirstName    string `json:"firstName"`
	LastName     string `json:"lastName"`
	Address      string `json:"address"`
	SourceSystem string `json:"sourceSystem"`
}

type resolveResponse struct {
	DecisionType    string        `json:"decisionType"`
	EntityID        string        `json:"entityId,omitempty"`
	ConfidenceScore float64       `json:"confidenceScore"`
	Reason          string        `json:"reason"`
	Replayed        bool          `json:"replayed,omitempty"`
	MatchDetails    *matchDetails `json:"matchDetails,omitempty"`
}

type matchDetails struct {
	TopCandidateID      string   `json:"topCandidateId,omitempty"`
	CandidatesEvaluated int      `json:"candidatesEvaluated"`
	MatchedRules        []string `json:"matchedRules,omitempty"`
	Tier                int      `json:"tier"`
}

func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, err := httputil.Decode[resolveRequest](r)
	if err != nil {
		h.logger.WarnContext(ctx, "invalid resolve request",
			"request_id", requestcontext.RequestID(ctx),
			"error", err.Error(),
		)
		httputil.WriteError(w, err)
		return
	}

	result, err := h.service.Resolve(ctx, normalize.Record{
		Email:        req.Email,
		Phone:        req.Phone,
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		Address:      req.Address,
		SourceSystem: req.SourceSystem,
	})
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeInvalidInput) || dErrors.HasCode(err, dErrors.CodeBadRequest) {
			httputil.WriteError(w, err)
			return
		}
		h.logger.ErrorContext(ctx, "resolution failed",
			"request_id", requestcontext.RequestID(ctx),
			"error", err.Error(),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, "resolution failed"))
		return
	}

	httputil.WriteJSON(w, http.StatusOK, toResolveResponse(result))
}

func (h *Handler) handleListDuplicates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	var (
		dups []decision.PotentialDuplicate
		err  error
	)
	if value := q.Get("value"); value != "" {
		dups, err = h.service.ListDuplicatesByIdentifier(ctx, entity.IdentifierType(q.Get("type")), value)
		if err != nil && dErrors.HasCode(err, dErrors.CodeInvalidInput) {
			httputil.WriteError(w, err)
			return
		}
	} else {
		dups, err = h.service.ListDuplicates(ctx, decision.DuplicateStatus(q.Get("status")))
	}
	if err != nil {
		h.logger.ErrorContext(ctx, "listing duplicates failed",
			"request_id", requestcontext.RequestID(ctx),
			"error", err.Error(),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, "listing duplicates failed"))
		return
	}

	out := make([]duplicateResponse, 0, len(dups))
	for _, dup := range dups {
		out = append(out, toDuplicateResponse(dup))
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"duplicates": out})
}

type duplicateResponse struct {
	ID             string            `json:"id"`
	EntityID       string            `json:"entityId"`
	MatchedID      string            `json:"matchedId"`
	NameSimilarity float64           `json:"nameSimilarity"`
	Confidence     float64           `json:"confidence"`
	Status         string            `json:"status"`
	Evidence       decision.Evidence `json:"evidence"`
}

func toDuplicateResponse(dup decision.PotentialDuplicate) duplicateResponse {
	return duplicateResponse{
		ID:             dup.ID.String(),
		EntityID:       dup.EntityID.String(),
		MatchedID:      dup.MatchedID.String(),
		NameSimilarity: dup.NameSimilarity,
		Confidence:     dup.Confidence,
		Status:         string(dup.Status),
		Evidence:       dup.Evidence,
	}
}

func toResolveResponse(result decision.Result) resolveResponse {
	resp := resolveResponse{
		DecisionType:    string(result.Decision.Type),
		ConfidenceScore: result.Confidence,
		Reason:          result.Decision.Reason,
		Replayed:        result.Replayed,
	}
	if result.EntityID != nil {
		resp.EntityID = result.EntityID.String()
	}
	if result.Decision.CandidatesEvaluated > 0 || result.Decision.TopCandidateID != nil {
		details := &matchDetails{CandidatesEvaluated: result.Decision.CandidatesEvaluated}
		if result.Decision.TopCandidateID != nil {
			details.TopCandidateID = result.Decision.TopCandidateID.String()
		}
		if result.Decision.Breakdown != nil {
			details.MatchedRules = result.Decision.Breakdown.MatchedRules
			details.Tier = result.Decision.Breakdown.Tier
		}
		resp.MatchDetails = details
	}
	return resp
}
