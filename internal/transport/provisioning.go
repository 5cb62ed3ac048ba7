package transport

import (
	"net/http"

	api "github.com/firstline-io/firstline/api/v1"
	"github.com/firstline-io/firstline/internal/service"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type ProvisioningHandler struct {
	svc *service.ProvisioningService
	log logrus.FieldLogger
}

func NewProvisioningHandler(svc *service.ProvisioningService, log logrus.FieldLogger) *ProvisioningHandler {
	return &ProvisioningHandler{svc: svc, log: log}
}

type provisionRequestBody struct {
	Name           string     `json:"name"`
	DeviceType     string     `json:"device_type"`
	BuildingID     uuid.UUID  `json:"building_id"`
	AgencyID       uuid.UUID  `json:"agency_id"`
	CredentialType string     `json:"credential_type"`
	ProfileID      *uuid.UUID `json:"profile_id"`
}

// Provision handles POST /api/v1/device-provisioning. Creates the
// device and mints its credential; the response is the only time the
// raw secret crosses the wire.
func (h *ProvisioningHandler) Provision(w http.ResponseWriter, r *http.Request) {
	var body provisionRequestBody
	if !decodeBody(w, r, &body) {
		return
	}
	result, err := h.svc.Provision(r.Context(), service.ProvisionRequest{
		Name:           body.Name,
		DeviceType:     api.DeviceType(body.DeviceType),
		BuildingID:     body.BuildingID,
		AgencyID:       body.AgencyID,
		CredentialType: apiCredentialType(body.CredentialType),
		ProfileID:      body.ProfileID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// Status handles GET /api/v1/device-provisioning/{deviceId}.
func (h *ProvisioningHandler) Status(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := pathUUID(r, "deviceId")
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid device id"})
		return
	}
	status, err := h.svc.Status(r.Context(), deviceID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// Deprovision handles DELETE /api/v1/device-provisioning/{deviceId}.
func (h *ProvisioningHandler) Deprovision(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := pathUUID(r, "deviceId")
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid device id"})
		return
	}
	if err := h.svc.Deprovision(r.Context(), deviceID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func apiCredentialType(raw string) api.CredentialType {
	if raw == "" {
		return api.CredentialTypeAccessToken
	}
	return api.CredentialType(raw)
}
