// Package material decides whether the filament loaded in a device can serve
// the materials a project asks for.
package material

import (
	"strings"

	"github.com/lucasb-eyer/go-colorful"
)

// Threshold is the largest CIE LAB distance (L on a 0-100 scale) at which two
// colours are still considered the same filament.
const Threshold = 10.0

type Material struct {
	Type  string `json:"type"`
	Color string `json:"color"`
	Name  string `json:"name,omitempty"`
}

// MatchColor reports whether the material's name flags colour as significant.
func (m Material) MatchColor() bool {
	return strings.Contains(strings.ToLower(m.Name), "color")
}

// Compatible compares a device material with a requested job material.
func Compatible(device, job Material, matchColor bool) bool {
	if device.Type != job.Type {
		return false
	}
	if !matchColor {
		return true
	}

	a, b := normalizeHex(device.Color), normalizeHex(job.Color)
	if a == b {
		return true
	}

	d, ok := Distance(a, b)
	if !ok {
		return false
	}
	return d <= Threshold
}

// CompatibleList matches job materials positionally against the device's
// loaded materials.
func CompatibleList(device, job []Material) bool {
	if len(job) > len(device) {
		return false
	}
	for i := range job {
		if !Compatible(device[i], job[i], job[i].MatchColor()) {
			return false
		}
	}
	return true
}

// Distance returns the Euclidean distance between two hex colours in LAB
// space. ok is false when either colour cannot be parsed.
func Distance(a, b string) (float64, bool) {
	ca, err := colorful.Hex("#" + normalizeHex(a))
	if err != nil {
		return 0, false
	}
	cb, err := colorful.Hex("#" + normalizeHex(b))
	if err != nil {
		return 0, false
	}
	return ca.DistanceLab(cb) * 100, true
}

// normalizeHex strips the leading '#', drops an alpha channel and lowercases.
func normalizeHex(s string) string {
	s = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "#"))
	if len(s) == 8 {
		s = s[:6]
	}
	return s
}
