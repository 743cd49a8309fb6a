package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/parrotdial/parrot-voice-dashboard/internal/domain"
	"github.com/parrotdial/parrot-voice-dashboard/internal/repository"
)

// ContactHandler handles HTTP requests for campaign contacts
type ContactHandler struct {
	contactRepo repository.ContactRepository
}

// NewContactHandler creates a new contact handler
func NewContactHandler(contactRepo repository.ContactRepository) *ContactHandler {
	return &ContactHandler{
		contactRepo: contactRepo,
	}
}

// CreateContact creates a new contact
func (h *ContactHandler) CreateContact(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateContactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.PhoneNumber == "" {
		http.Error(w, "phone_number is required", http.StatusBadRequest)
		return
	}

	contact, err := h.contactRepo.Create(r.Context(), &req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(contact)
}

// GetContact retrieves a contact by ID
func (h *ContactHandler) GetContact(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	contact, err := h.contactRepo.GetByID(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(contact)
}

// GetContacts lists all contacts
func (h *ContactHandler) GetContacts(w http.ResponseWriter, r *http.Request) {
	contacts, err := h.contactRepo.GetAll(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(contacts)
}

// UpdateContact updates a contact
func (h *ContactHandler) UpdateContact(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req domain.UpdateContactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	contact, err := h.contactRepo.Update(r.Context(), id, &req)
	if err != nil {
		respondError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(contact)
}

// DeleteContact removes a contact
func (h *ContactHandler) DeleteContact(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := h.contactRepo.Delete(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// SetupContactRoutes registers contact routes on the API subrouter
func (h *ContactHandler) SetupContactRoutes(router *mux.Router) {
	router.HandleFunc("/contacts", h.CreateContact).Methods("POST")
	router.HandleFunc("/contacts", h.GetContacts).Methods("GET")
	router.HandleFunc("/contacts/{id}", h.GetContact).Methods("GET")
	router.HandleFunc("/contacts/{id}", h.UpdateContact).Methods("PUT")
	router.HandleFunc("/contacts/{id}", h.DeleteContact).Methods("DELETE")
}
