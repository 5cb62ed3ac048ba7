// Package twin maintains the desired/reported configuration pair for
// each device and the delta between them.
package twin

import (
	"fmt"
	"reflect"
)

// Delta describes how a device's reported configuration diverges from
// the desired one. Keys use dotted paths into nested objects.
type Delta struct {
	// ValuesChanged maps paths present on both sides with different values.
	ValuesChanged map[string]ValuePair `json:"values_changed"`
	// AddedInDesired holds paths the device has not reported yet.
	AddedInDesired map[string]any `json:"added_in_desired"`
	// PresentInReportedOnly holds paths the device reports but the
	// desired config does not mention. Informational; devices carry
	// local settings the backend never manages.
	PresentInReportedOnly map[string]any `json:"present_in_reported_only"`
}

type ValuePair struct {
	Desired  any `json:"desired"`
	Reported any `json:"reported"`
}

// InSync reports whether the device has applied everything asked of it.
// Extra reported-only keys do not count against sync.
func (d Delta) InSync() bool {
	return len(d.ValuesChanged) == 0 && len(d.AddedInDesired) == 0
}

// Summary renders a short human-readable description for logs and
// dashboard tooltips.
func (d Delta) Summary() string {
	if d.InSync() {
		return "in sync"
	}
	return fmt.Sprintf("%d changed, %d unapplied, %d unmanaged",
		len(d.ValuesChanged), len(d.AddedInDesired), len(d.PresentInReportedOnly))
}

// ComputeDelta diffs desired against reported, descending into nested
// objects. Values of mismatched shape (object vs scalar) count as
// changed at that path.
func ComputeDelta(desired, reported map[string]any) Delta {
	delta := Delta{
		ValuesChanged:         map[string]ValuePair{},
		AddedInDesired:        map[string]any{},
		PresentInReportedOnly: map[string]any{},
	}
	diffInto(&delta, "", desired, reported)
	return delta
}

func diffInto(delta *Delta, prefix string, desired, reported map[string]any) {
	for key, want := range desired {
		path := joinPath(prefix, key)
		have, present := reported[key]
		if !present {
			delta.AddedInDesired[path] = want
			continue
		}
		wantMap, wantIsMap := want.(map[string]any)
		haveMap, haveIsMap := have.(map[string]any)
		if wantIsMap && haveIsMap {
			diffInto(delta, path, wantMap, haveMap)
			continue
		}
		if !valuesEqual(want, have) {
			delta.ValuesChanged[path] = ValuePair{Desired: want, Reported: have}
		}
	}
	for key, have := range reported {
		if _, present := desired[key]; present {
			continue
		}
		delta.PresentInReportedOnly[joinPath(prefix, key)] = have
	}
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// valuesEqual compares config values, tolerating the int/float64 drift
// that round-tripping through JSON introduces.
func valuesEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
