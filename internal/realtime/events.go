package realtime

import (
	"fmt"

	"github.com/google/uuid"
)

// Event types carried on the bus.
const (
	EventTelemetryData = "telemetry:data"
	EventDeviceStatus  = "device:status"
	EventDeviceAlert   = "device:alert"
	EventConfigUpdated = "device:config:updated"
	EventConfigSynced  = "device:config:synced"
)

// Room names. Every authenticated connection starts in RoomAuthenticated;
// the rest are joined explicitly.
const RoomAuthenticated = "authenticated"

func RoomDevice(id uuid.UUID) string   { return fmt.Sprintf("device:%s", id) }
func RoomBuilding(id uuid.UUID) string { return fmt.Sprintf("building:%s", id) }
func RoomAgency(id uuid.UUID) string   { return fmt.Sprintf("agency:%s", id) }

// Emitter is the fan-out surface the pipeline components depend on.
// Emission failures never propagate back into the callers.
type Emitter interface {
	Emit(room, event string, data any)
}

// NopEmitter discards all events. Used by binaries that carry no hub.
type NopEmitter struct{}

func (NopEmitter) Emit(string, string, any) {}
