package transport

import (
	"net/http"
	"strconv"

	api "github.com/firstline-io/firstline/api/v1"
	"github.com/firstline-io/firstline/internal/store"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

type AlertsHandler struct {
	store store.Store
	log   logrus.FieldLogger
}

func NewAlertsHandler(st store.Store, log logrus.FieldLogger) *AlertsHandler {
	return &AlertsHandler{store: st, log: log}
}

// Recent handles GET /api/v1/alerts/recent with optional severity,
// device_id, and limit filters.
func (h *AlertsHandler) Recent(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := store.AlertListParams{}

	if severity := q.Get("severity"); severity != "" {
		if !api.ValidSeverity(api.AlertSeverity(severity)) {
			writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "unknown severity"})
			return
		}
		params.Severity = lo.ToPtr(severity)
	}
	if raw := q.Get("device_id"); raw != "" {
		deviceID, err := uuid.Parse(raw)
		if err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "invalid device_id"})
			return
		}
		params.DeviceID = &deviceID
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		params.Limit = limit
	}

	alerts, err := h.store.Alert().ListRecent(r.Context(), params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

// Rules handles GET /api/v1/devices/{deviceId}/alert-rules, returning
// the rules of the device's profile.
func (h *AlertsHandler) Rules(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := pathUUID(r, "deviceId")
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid device id"})
		return
	}
	device, err := h.store.Device().Get(r.Context(), deviceID)
	if err != nil {
		writeError(w, err)
		return
	}
	rules := []api.AlertRule{}
	if device.ProfileID != nil {
		profile, err := h.store.Profile().Get(r.Context(), *device.ProfileID)
		if err == nil {
			rules = profile.Rules()
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}
