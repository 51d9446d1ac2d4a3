package api

import (
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hammerpath/avatarcast/internal/orchestrator"
)

// Webhook bodies are small JSON documents; cap reads to stay safe against
// junk payloads on the unauthenticated route.
const maxWebhookBody = 1 << 20

type WebhookHandler struct {
	registry *orchestrator.Registry
	saga     *orchestrator.Saga
	store    orchestrator.Store
}

func NewWebhookHandler(registry *orchestrator.Registry, saga *orchestrator.Saga, store orchestrator.Store) *WebhookHandler {
	return &WebhookHandler{registry: registry, saga: saga, store: store}
}

// ProviderWebhook handles POST /v1/webhooks/{provider}. The provider slug
// selects the parser; the parsed task id selects the generation. Accepted
// results always return 200 so providers stop redelivering; malformed or
// unmatchable payloads return 4xx.
func (h *Handler) ProviderWebhook(w http.ResponseWriter, r *http.Request) {
	h.webhooks.Serve(w, r)
}

func (h *WebhookHandler) Serve(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "provider")
	adapter, ok := h.registry.BySlug(slug)
	if !ok {
		respondError(w, http.StatusNotFound, "Unknown provider")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Failed to read body")
		return
	}

	res, err := adapter.ParseCallback(body)
	if err != nil {
		log.Printf("[Webhook] Unparseable %s callback: %v", slug, err)
		respondError(w, http.StatusBadRequest, "Invalid callback payload")
		return
	}
	if res.TaskID == "" {
		respondError(w, http.StatusBadRequest, "Callback has no task id")
		return
	}

	gen, phase, err := h.store.GetGenerationByTaskID(r.Context(), res.TaskID)
	if err != nil {
		// Stale task from a superseded attempt, or not ours at all.
		log.Printf("[Webhook] No generation for %s task %s", slug, res.TaskID)
		respondError(w, http.StatusNotFound, "Unknown task")
		return
	}

	if err := h.saga.HandleTaskResult(r.Context(), gen, phase, res); err != nil {
		log.Printf("[Webhook] Failed to apply %s result for %s: %v", slug, gen.ID, err)
		respondError(w, http.StatusInternalServerError, "Failed to apply result")
		return
	}

	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}
