// Package handlers exposes the JSON API the admin panel binds to: the three
// pairing operations (connect, refresh-qr, close), the observable status, the
// QR image, message sending and the gateway admin operations.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/Evemarques07/saas-sub002/internal/qrimg"
)

// WhatsAppHandler serves the pairing API.
type WhatsAppHandler struct {
	manager *Manager
}

// NewWhatsAppHandler creates the handler.
func NewWhatsAppHandler(manager *Manager) *WhatsAppHandler {
	if manager == nil {
		log.Fatal().Msg("Manager cannot be nil for WhatsAppHandler")
	}
	return &WhatsAppHandler{manager: manager}
}

// RegisterRoutes attaches all routes to the router.
func (h *WhatsAppHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/whatsapp/{slug}/connect", h.Connect).Methods(http.MethodPost)
	r.HandleFunc("/api/whatsapp/{slug}/refresh-qr", h.RefreshQR).Methods(http.MethodPost)
	r.HandleFunc("/api/whatsapp/{slug}/close", h.Close).Methods(http.MethodPost)
	r.HandleFunc("/api/whatsapp/{slug}/status", h.Status).Methods(http.MethodGet)
	r.HandleFunc("/api/whatsapp/{slug}/qr.png", h.QRImage).Methods(http.MethodGet)
	r.HandleFunc("/api/whatsapp/{slug}/send-text", h.SendText).Methods(http.MethodPost)
	r.HandleFunc("/api/whatsapp/{slug}/disconnect", h.Disconnect).Methods(http.MethodPost)
	r.HandleFunc("/api/admin/users", h.ListUsers).Methods(http.MethodGet)
	r.HandleFunc("/api/admin/users/{id}", h.DeleteUser).Methods(http.MethodDelete)
}

func (h *WhatsAppHandler) respondWithJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (h *WhatsAppHandler) respondWithError(w http.ResponseWriter, statusCode int, message string) {
	h.respondWithJSON(w, statusCode, map[string]string{"error": message})
}

// Connect starts a pairing attempt for the tenant.
func (h *WhatsAppHandler) Connect(w http.ResponseWriter, r *http.Request) {
	slug := mux.Vars(r)["slug"]

	orch, err := h.manager.orchestratorFor(slug)
	if err != nil {
		h.respondWithError(w, http.StatusNotFound, err.Error())
		return
	}

	orch.Start()
	h.respondWithJSON(w, http.StatusAccepted, orch.Snapshot())
}

// RefreshQR requests a fresh QR code for an attempt already showing one.
func (h *WhatsAppHandler) RefreshQR(w http.ResponseWriter, r *http.Request) {
	slug := mux.Vars(r)["slug"]

	orch, err := h.manager.orchestratorFor(slug)
	if err != nil {
		h.respondWithError(w, http.StatusNotFound, err.Error())
		return
	}

	orch.RefreshQR()
	h.respondWithJSON(w, http.StatusAccepted, orch.Snapshot())
}

// Close tears the tenant's pairing attempt down.
func (h *WhatsAppHandler) Close(w http.ResponseWriter, r *http.Request) {
	slug := mux.Vars(r)["slug"]

	orch, err := h.manager.orchestratorFor(slug)
	if err != nil {
		h.respondWithError(w, http.StatusNotFound, err.Error())
		return
	}

	orch.Close()
	h.respondWithJSON(w, http.StatusOK, orch.Snapshot())
}

// Status returns the observable pairing state for UI binding.
func (h *WhatsAppHandler) Status(w http.ResponseWriter, r *http.Request) {
	slug := mux.Vars(r)["slug"]

	orch, err := h.manager.orchestratorFor(slug)
	if err != nil {
		h.respondWithError(w, http.StatusNotFound, err.Error())
		return
	}

	h.respondWithJSON(w, http.StatusOK, orch.Snapshot())
}

// QRImage serves the current QR credential as a PNG.
func (h *WhatsAppHandler) QRImage(w http.ResponseWriter, r *http.Request) {
	slug := mux.Vars(r)["slug"]

	orch, err := h.manager.orchestratorFor(slug)
	if err != nil {
		h.respondWithError(w, http.StatusNotFound, err.Error())
		return
	}

	snap := orch.Snapshot()
	if snap.QRCode == "" {
		h.respondWithError(w, http.StatusNotFound, "no QR code available")
		return
	}

	png, err := qrimg.PNG(snap.QRCode)
	if err != nil {
		log.Error().Err(err).Str("slug", slug).Msg("Failed to render QR image")
		h.respondWithError(w, http.StatusInternalServerError, "failed to render QR image")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

type sendTextRequest struct {
	Phone string `json:"phone"`
	Body  string `json:"body"`
}

// SendText sends a text message through the tenant's paired session.
func (h *WhatsAppHandler) SendText(w http.ResponseWriter, r *http.Request) {
	slug := mux.Vars(r)["slug"]

	var req sendTextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.Phone == "" || req.Body == "" {
		h.respondWithError(w, http.StatusBadRequest, "phone and body are required")
		return
	}

	orch, err := h.manager.orchestratorFor(slug)
	if err != nil {
		h.respondWithError(w, http.StatusNotFound, err.Error())
		return
	}

	result := h.manager.gw.SendText(r.Context(), orch.Token(), req.Phone, req.Body)
	if !result.Success {
		h.respondWithJSON(w, http.StatusBadGateway, result)
		return
	}
	h.respondWithJSON(w, http.StatusOK, result)
}

// Disconnect closes the gateway session and records the disconnect.
func (h *WhatsAppHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	slug := mux.Vars(r)["slug"]

	orch, err := h.manager.orchestratorFor(slug)
	if err != nil {
		h.respondWithError(w, http.StatusNotFound, err.Error())
		return
	}

	orch.Close()
	if !h.manager.gw.Disconnect(r.Context(), orch.Token()) {
		h.respondWithError(w, http.StatusBadGateway, "gateway rejected the disconnect")
		return
	}

	if err := h.manager.companies.MarkDisconnected(slug); err != nil {
		log.Error().Err(err).Str("slug", slug).Msg("Failed to record disconnect")
	}
	h.manager.companyCache.Delete(slug)
	h.manager.notifier.PairingDisconnected(slug)

	h.respondWithJSON(w, http.StatusOK, map[string]bool{"disconnected": true})
}

// ListUsers proxies the gateway's tenant account listing.
func (h *WhatsAppHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.manager.gw.ListUsers(r.Context())
	if err != nil {
		h.respondWithError(w, http.StatusBadGateway, err.Error())
		return
	}
	h.respondWithJSON(w, http.StatusOK, users)
}

// DeleteUser removes a tenant account from the gateway.
func (h *WhatsAppHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if !h.manager.gw.DeleteUser(r.Context(), id) {
		h.respondWithError(w, http.StatusBadGateway, "gateway rejected the deletion")
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}
