package mqtt

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Topic layout: agency/{agency_id}/device/{device_id}/{suffix}.
// The per-device prefix doubles as the ACL boundary for device clients.

const (
	SuffixRegister       = "register"
	SuffixTelemetry      = "telemetry"
	SuffixConfigDesired  = "config/desired"
	SuffixConfigReported = "config/reported"
)

func DeviceTopicPrefix(agencyID, deviceID uuid.UUID) string {
	return fmt.Sprintf("agency/%s/device/%s/", agencyID, deviceID)
}

func DeviceTopic(agencyID, deviceID uuid.UUID, suffix string) string {
	return DeviceTopicPrefix(agencyID, deviceID) + suffix
}

func SubscriptionFilter(suffix string) string {
	return "agency/+/device/+/" + suffix
}

// ParseDeviceTopic extracts the agency and device wildcards from an
// inbound topic and verifies the suffix.
func ParseDeviceTopic(topic, wantSuffix string) (agencyID, deviceID uuid.UUID, err error) {
	parts := strings.SplitN(topic, "/", 5)
	if len(parts) != 5 || parts[0] != "agency" || parts[2] != "device" || parts[4] != wantSuffix {
		return uuid.Nil, uuid.Nil, fmt.Errorf("topic %q does not match agency/+/device/+/%s", topic, wantSuffix)
	}
	agencyID, err = uuid.Parse(parts[1])
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("invalid agency id in topic %q: %w", topic, err)
	}
	deviceID, err = uuid.Parse(parts[3])
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("invalid device id in topic %q: %w", topic, err)
	}
	return agencyID, deviceID, nil
}
