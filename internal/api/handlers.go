package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hammerpath/avatarcast/internal/db"
	"github.com/hammerpath/avatarcast/internal/models"
	"github.com/hammerpath/avatarcast/internal/orchestrator"
	"github.com/hammerpath/avatarcast/internal/services"
)

type Handler struct {
	db       *db.DB
	router   *orchestrator.Router
	saga     *orchestrator.Saga
	poller   *orchestrator.Poller
	webhooks *WebhookHandler
	planner  *services.OpenAIService // optional: nil when OPENAI_API_KEY is unset
	vision   *services.GeminiService // optional: nil when GEMINI_API_KEY is unset
}

func NewHandler(database *db.DB, router *orchestrator.Router, saga *orchestrator.Saga, poller *orchestrator.Poller, webhooks *WebhookHandler, planner *services.OpenAIService, vision *services.GeminiService) *Handler {
	return &Handler{
		db:       database,
		router:   router,
		saga:     saga,
		poller:   poller,
		webhooks: webhooks,
		planner:  planner,
		vision:   vision,
	}
}

// Generate handles POST /v1/generations
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	var req models.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.UserID == uuid.Nil {
		respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	// No scene prompts but a script: synthesize the prompts first.
	if len(req.ScenePrompts) == 0 && req.Script != nil && *req.Script != "" {
		if h.planner == nil {
			respondError(w, http.StatusBadRequest, "scene_prompts are required (script planning is not configured)")
			return
		}

		scenes := 1
		if req.NumberOfScenes != nil && *req.NumberOfScenes > 0 {
			scenes = *req.NumberOfScenes
		}

		presenter := ""
		if h.vision != nil && req.ImageURL != nil && *req.ImageURL != "" {
			desc, err := h.vision.DescribePresenter(r.Context(), *req.ImageURL)
			if err != nil {
				// Planning works without the description, just less specific.
				log.Printf("[API] Presenter analysis failed: %v", err)
			} else {
				presenter = desc
			}
		}

		prompts, err := h.planner.SynthesizeScenePrompts(r.Context(), *req.Script, scenes, presenter)
		if err != nil {
			respondError(w, http.StatusBadGateway, "Failed to plan scenes from script")
			return
		}
		req.ScenePrompts = prompts
	}

	resp, err := h.router.Start(r.Context(), &req)
	if err != nil {
		respondStartError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, resp)
}

// GetGeneration handles GET /v1/generations/{id}
func (h *Handler) GetGeneration(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid generation ID")
		return
	}

	gen, err := h.db.GetGeneration(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, "Generation not found")
		return
	}

	respondJSON(w, http.StatusOK, gen)
}

// ListGenerations handles GET /v1/generations?user_id=...&limit=...&offset=...
func (h *Handler) ListGenerations(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.URL.Query().Get("user_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "user_id query parameter is required")
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	gens, err := h.db.ListGenerations(r.Context(), userID, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to list generations")
		return
	}
	total, err := h.db.CountGenerations(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to count generations")
		return
	}

	respondJSON(w, http.StatusOK, models.ListGenerationsResponse{
		Generations: gens,
		Total:       total,
		Limit:       limit,
		Offset:      offset,
	})
}

// RetryPhase handles POST /v1/generations/{id}/retry
func (h *Handler) RetryPhase(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid generation ID")
		return
	}

	var req models.RetryPhaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	switch req.Phase {
	case models.PhaseInitial, models.PhaseExtended, models.PhaseFinal:
	default:
		respondError(w, http.StatusBadRequest, "phase must be initial, extended, or final")
		return
	}

	if err := h.saga.Retry(r.Context(), id, req.Phase); err != nil {
		respondError(w, http.StatusConflict, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// CancelGeneration handles POST /v1/generations/{id}/cancel. Cancellation
// stops scene advancement; the in-flight provider job is left to finish and
// its segment is kept.
func (h *Handler) CancelGeneration(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid generation ID")
		return
	}

	gen, err := h.db.GetGeneration(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, "Generation not found")
		return
	}
	if gen.IsFinal {
		respondError(w, http.StatusConflict, "Generation already completed")
		return
	}

	if err := h.db.SetCancelled(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to cancel generation")
		return
	}

	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// PollGeneration handles POST /v1/generations/{id}/poll — an operator-forced
// status check, same path as the scheduled poller.
func (h *Handler) PollGeneration(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid generation ID")
		return
	}

	if err := h.poller.PollGeneration(r.Context(), id); err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}

	gen, err := h.db.GetGeneration(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, "Generation not found")
		return
	}
	respondJSON(w, http.StatusOK, gen)
}

// PollTick handles POST /v1/poll — runs one reconciliation sweep over stuck
// generations immediately instead of waiting for the background interval.
func (h *Handler) PollTick(w http.ResponseWriter, r *http.Request) {
	n, err := h.poller.Sweep(r.Context(), 50)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"polled": n})
}

// GetCredits handles GET /v1/credits/{userID}
func (h *Handler) GetCredits(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid user ID")
		return
	}

	balance, err := h.db.GetCreditBalance(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to read credit balance")
		return
	}

	respondJSON(w, http.StatusOK, models.CreditBalanceResponse{UserID: userID, Balance: balance})
}

// AddCredits handles POST /v1/credits/{userID}
func (h *Handler) AddCredits(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid user ID")
		return
	}

	var req struct {
		Amount int `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Amount <= 0 {
		respondError(w, http.StatusBadRequest, "amount must be a positive integer")
		return
	}

	if err := h.db.AddCredits(r.Context(), userID, req.Amount); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to add credits")
		return
	}

	balance, err := h.db.GetCreditBalance(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to read credit balance")
		return
	}
	respondJSON(w, http.StatusOK, models.CreditBalanceResponse{UserID: userID, Balance: balance})
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func respondStartError(w http.ResponseWriter, err error) {
	var se *orchestrator.StartError
	if !errors.As(err, &se) {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusBadGateway
	switch se.Class {
	case models.ErrorCreditExhausted:
		status = http.StatusPaymentRequired
	case models.ErrorInvalidParams:
		status = http.StatusBadRequest
	case models.ErrorRateLimited:
		status = http.StatusTooManyRequests
	}

	respondJSON(w, status, models.ErrorResponse{
		Success:    false,
		Error:      se.Message,
		ErrorType:  se.Class,
		UserAction: se.UserAction(),
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
