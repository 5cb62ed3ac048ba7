package transport

import (
	"net/http"

	"github.com/firstline-io/firstline/internal/service"
	"github.com/firstline-io/firstline/internal/store/model"
	"github.com/sirupsen/logrus"
)

type ProfileHandler struct {
	svc *service.ProfileService
	log logrus.FieldLogger
}

func NewProfileHandler(svc *service.ProfileService, log logrus.FieldLogger) *ProfileHandler {
	return &ProfileHandler{svc: svc, log: log}
}

// List handles GET /api/v1/device-profiles.
func (h *ProfileHandler) List(w http.ResponseWriter, r *http.Request) {
	profiles, err := h.svc.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"profiles": profiles})
}

// Create handles POST /api/v1/device-profiles.
func (h *ProfileHandler) Create(w http.ResponseWriter, r *http.Request) {
	var profile model.DeviceProfile
	if !decodeBody(w, r, &profile) {
		return
	}
	if err := h.svc.Create(r.Context(), &profile); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, profile)
}

// Get handles GET /api/v1/device-profiles/{profileId}.
func (h *ProfileHandler) Get(w http.ResponseWriter, r *http.Request) {
	profileID, ok := pathUUID(r, "profileId")
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid profile id"})
		return
	}
	profile, err := h.svc.Get(r.Context(), profileID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// Update handles PUT /api/v1/device-profiles/{profileId}.
func (h *ProfileHandler) Update(w http.ResponseWriter, r *http.Request) {
	profileID, ok := pathUUID(r, "profileId")
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid profile id"})
		return
	}
	var profile model.DeviceProfile
	if !decodeBody(w, r, &profile) {
		return
	}
	profile.ID = profileID
	if err := h.svc.Update(r.Context(), &profile); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// Delete handles DELETE /api/v1/device-profiles/{profileId}.
func (h *ProfileHandler) Delete(w http.ResponseWriter, r *http.Request) {
	profileID, ok := pathUUID(r, "profileId")
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid profile id"})
		return
	}
	if err := h.svc.Delete(r.Context(), profileID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
