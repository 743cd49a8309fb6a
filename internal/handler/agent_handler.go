package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/parrotdial/parrot-voice-dashboard/internal/cache"
	"github.com/parrotdial/parrot-voice-dashboard/internal/domain"
	"github.com/parrotdial/parrot-voice-dashboard/internal/repository"
)

// AgentHandler handles HTTP requests for voice agents
type AgentHandler struct {
	agentRepo  repository.VoiceAgentRepository
	agentCache *cache.AgentCache
}

// NewAgentHandler creates a new agent handler
func NewAgentHandler(agentRepo repository.VoiceAgentRepository, agentCache *cache.AgentCache) *AgentHandler {
	return &AgentHandler{
		agentRepo:  agentRepo,
		agentCache: agentCache,
	}
}

// CreateAgent creates a new voice agent
func (h *AgentHandler) CreateAgent(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateVoiceAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.VoiceAPIAgent == "" {
		http.Error(w, "name and voice_api_agent_id are required", http.StatusBadRequest)
		return
	}

	agent, err := h.agentRepo.Create(r.Context(), &req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(agent)
}

// GetAgent retrieves a voice agent by ID
func (h *AgentHandler) GetAgent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	agent, err := h.agentRepo.GetByID(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(agent)
}

// GetAgents lists voice agents; pass ?include_disabled=true for all
func (h *AgentHandler) GetAgents(w http.ResponseWriter, r *http.Request) {
	includeDisabled := r.URL.Query().Get("include_disabled") == "true"

	agents, err := h.agentRepo.GetAll(r.Context(), includeDisabled)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(agents)
}

// UpdateAgent updates a voice agent and drops it from the config cache
func (h *AgentHandler) UpdateAgent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req domain.UpdateVoiceAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	agent, err := h.agentRepo.Update(r.Context(), id, &req)
	if err != nil {
		respondError(w, err)
		return
	}

	if h.agentCache != nil {
		h.agentCache.Invalidate(r.Context(), id)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(agent)
}

// DeleteAgent removes a voice agent
func (h *AgentHandler) DeleteAgent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := h.agentRepo.Delete(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}

	if h.agentCache != nil {
		h.agentCache.Invalidate(r.Context(), id)
	}

	w.WriteHeader(http.StatusNoContent)
}

// SetupAgentRoutes registers agent routes on the API subrouter
func (h *AgentHandler) SetupAgentRoutes(router *mux.Router) {
	router.HandleFunc("/agents", h.CreateAgent).Methods("POST")
	router.HandleFunc("/agents", h.GetAgents).Methods("GET")
	router.HandleFunc("/agents/{id}", h.GetAgent).Methods("GET")
	router.HandleFunc("/agents/{id}", h.UpdateAgent).Methods("PUT")
	router.HandleFunc("/agents/{id}", h.DeleteAgent).Methods("DELETE")
}
