package transport

import (
	"net/http"

	"github.com/firstline-io/firstline/internal/twin"
	"github.com/sirupsen/logrus"
)

type TwinHandler struct {
	svc *twin.Service
	log logrus.FieldLogger
}

func NewTwinHandler(svc *twin.Service, log logrus.FieldLogger) *TwinHandler {
	return &TwinHandler{svc: svc, log: log}
}

// Get handles GET /api/v1/devices/{deviceId}/twin.
func (h *TwinHandler) Get(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := pathUUID(r, "deviceId")
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid device id"})
		return
	}
	view, err := h.svc.Get(r.Context(), deviceID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type twinPatchBody struct {
	DesiredConfig map[string]any `json:"desired_config"`
}

// Patch handles PATCH /api/v1/devices/{deviceId}/twin. The body's
// desired_config is shallow-merged; null values delete keys.
func (h *TwinHandler) Patch(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := pathUUID(r, "deviceId")
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid device id"})
		return
	}
	var body twinPatchBody
	if !decodeBody(w, r, &body) {
		return
	}
	view, err := h.svc.UpdateDesired(r.Context(), deviceID, body.DesiredConfig)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
