package v1

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestThresholdUnmarshalScalar(t *testing.T) {
	var threshold Threshold
	require.NoError(t, json.Unmarshal([]byte(`85.5`), &threshold))
	require.False(t, threshold.IsRange())

	num, ok := threshold.Numeric()
	require.True(t, ok)
	require.Equal(t, 85.5, num)
}

func TestThresholdUnmarshalString(t *testing.T) {
	var threshold Threshold
	require.NoError(t, json.Unmarshal([]byte(`"gunshot"`), &threshold))
	require.False(t, threshold.IsRange())
	require.Equal(t, "gunshot", threshold.Value)

	_, ok := threshold.Numeric()
	require.False(t, ok)
}

func TestThresholdUnmarshalBool(t *testing.T) {
	var threshold Threshold
	require.NoError(t, json.Unmarshal([]byte(`true`), &threshold))
	require.Equal(t, true, threshold.Value)
}

func TestThresholdUnmarshalRange(t *testing.T) {
	var threshold Threshold
	require.NoError(t, json.Unmarshal([]byte(`{"min": 10, "max": 35}`), &threshold))
	require.True(t, threshold.IsRange())
	require.Equal(t, 10.0, *threshold.Min)
	require.Equal(t, 35.0, *threshold.Max)
}

func TestThresholdUnmarshalHalfOpenRange(t *testing.T) {
	var threshold Threshold
	require.NoError(t, json.Unmarshal([]byte(`{"min": 10}`), &threshold))
	require.False(t, threshold.IsRange())
	require.NotNil(t, threshold.Min)
	require.Nil(t, threshold.Max)
}

func TestThresholdMarshalRoundTrip(t *testing.T) {
	var threshold Threshold
	require.NoError(t, json.Unmarshal([]byte(`{"min":1,"max":2}`), &threshold))
	out, err := json.Marshal(threshold)
	require.NoError(t, err)
	require.JSONEq(t, `{"min":1,"max":2}`, string(out))
}

func TestAlertRuleCooldownDefault(t *testing.T) {
	rule := AlertRule{}
	require.Equal(t, 300*time.Second, rule.Cooldown())

	rule.CooldownSeconds = 60
	require.Equal(t, time.Minute, rule.Cooldown())
}

func TestAlertRuleUnmarshal(t *testing.T) {
	raw := `{
		"name": "sustained loud noise",
		"metric": "sound_level",
		"condition": "gt",
		"threshold": 95,
		"severity": "medium",
		"cooldown_seconds": 120
	}`
	var rule AlertRule
	require.NoError(t, json.Unmarshal([]byte(raw), &rule))
	require.Equal(t, ConditionGreaterThan, rule.Condition)
	require.Equal(t, AlertSeverityMedium, rule.Severity)

	num, ok := rule.Threshold.Numeric()
	require.True(t, ok)
	require.Equal(t, 95.0, num)
}
