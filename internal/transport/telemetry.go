package transport

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	api "github.com/firstline-io/firstline/api/v1"
	"github.com/firstline-io/firstline/internal/flerrors"
	"github.com/firstline-io/firstline/internal/ingest"
	"github.com/firstline-io/firstline/internal/store"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

type TelemetryHandler struct {
	gateway *ingest.Gateway
	store   store.Store
	log     logrus.FieldLogger
}

func NewTelemetryHandler(gateway *ingest.Gateway, st store.Store, log logrus.FieldLogger) *TelemetryHandler {
	return &TelemetryHandler{gateway: gateway, store: st, log: log}
}

// Ingest handles POST /api/v1/devices/{deviceId}/telemetry. A 202 means
// the message is buffered on the stream; a suppressed duplicate is also
// a 202 since the original was accepted.
func (h *TelemetryHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := pathUUID(r, "deviceId")
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid device id"})
		return
	}
	var payload api.TelemetryPayload
	if !decodeBody(w, r, &payload) {
		return
	}
	err := h.gateway.Accept(r.Context(), deviceID, payload)
	if err != nil && !errors.Is(err, flerrors.ErrDuplicate) {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted":  true,
		"duplicate": errors.Is(err, flerrors.ErrDuplicate),
	})
}

// Query handles GET /api/v1/devices/{deviceId}/telemetry. Raw rows are
// returned newest first; aggregated buckets (aggregate=hourly|daily)
// oldest first and require metric, start_time, and end_time.
func (h *TelemetryHandler) Query(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := pathUUID(r, "deviceId")
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid device id"})
		return
	}
	if _, err := h.store.Device().Get(r.Context(), deviceID); err != nil {
		writeError(w, err)
		return
	}

	params, err := queryParamsFrom(r)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
		return
	}

	if aggregate := r.URL.Query().Get("aggregate"); aggregate != "" {
		rows, err := h.store.Telemetry().QueryAggregate(r.Context(), deviceID, aggregate, params)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"aggregate": aggregate, "buckets": rows})
		return
	}

	rows, err := h.store.Telemetry().QueryRaw(r.Context(), deviceID, params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": rows})
}

// Metrics handles GET /api/v1/devices/{deviceId}/telemetry/metrics.
func (h *TelemetryHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := pathUUID(r, "deviceId")
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid device id"})
		return
	}
	if _, err := h.store.Device().Get(r.Context(), deviceID); err != nil {
		writeError(w, err)
		return
	}
	names, err := h.store.Telemetry().ListMetricNames(r.Context(), deviceID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"metrics": names})
}

func queryParamsFrom(r *http.Request) (store.TelemetryQueryParams, error) {
	var params store.TelemetryQueryParams
	q := r.URL.Query()

	if metric := q.Get("metric"); metric != "" {
		params.MetricName = lo.ToPtr(metric)
	}
	if raw := q.Get("start_time"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return params, errors.New("start_time must be RFC 3339")
		}
		params.StartTime = lo.ToPtr(ts)
	}
	if raw := q.Get("end_time"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return params, errors.New("end_time must be RFC 3339")
		}
		params.EndTime = lo.ToPtr(ts)
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return params, errors.New("limit must be a non-negative integer")
		}
		params.Limit = limit
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return params, errors.New("offset must be a non-negative integer")
		}
		params.Offset = offset
	}
	return params, nil
}
