package material

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompatible(t *testing.T) {
	red := Material{Type: "PLA", Color: "#FF0000"}

	tests := []struct {
		name       string
		device     Material
		job        Material
		matchColor bool
		want       bool
	}{
		{"identical", red, Material{Type: "PLA", Color: "#FF0000"}, true, true},
		{"type mismatch", red, Material{Type: "ABS", Color: "#FF0000"}, true, false},
		{"far colours", red, Material{Type: "PLA", Color: "#0000FF"}, true, false},
		{"colour ignored", red, Material{Type: "PLA", Color: "#0000FF"}, false, true},
		{"near colours", red, Material{Type: "PLA", Color: "#FA0505"}, true, true},
		{"alpha channel ignored", Material{Type: "PLA", Color: "FF0000FF"}, red, true, true},
		{"case insensitive hex", Material{Type: "PLA", Color: "#ff0000"}, red, true, true},
		{"unparsable colour", red, Material{Type: "PLA", Color: "not-a-colour"}, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Compatible(tt.device, tt.job, tt.matchColor))
		})
	}
}

func TestCompatibleList(t *testing.T) {
	red := Material{Type: "PLA", Color: "#FF0000"}
	blue := Material{Type: "PLA", Color: "#0000FF"}

	assert.False(t, CompatibleList([]Material{red}, []Material{red, blue}), "job longer than device")
	assert.True(t, CompatibleList([]Material{red, blue}, []Material{red}))
	assert.True(t, CompatibleList([]Material{red}, nil))

	coloured := Material{Type: "PLA", Color: "#0000FF", Name: "Blue Color"}
	assert.False(t, CompatibleList([]Material{red}, []Material{coloured}))

	plain := Material{Type: "PLA", Color: "#0000FF", Name: "Generic PLA"}
	assert.True(t, CompatibleList([]Material{red}, []Material{plain}), "colour not significant")

	assert.False(t, CompatibleList([]Material{blue, red}, []Material{
		{Type: "PLA", Color: "#FF0000", Name: "COLOR"},
	}), "matching is positional")
}

func TestDistance(t *testing.T) {
	d, ok := Distance("#FFFFFF", "#000000")
	assert.True(t, ok)
	assert.InDelta(t, 100, d, 0.5)

	d, ok = Distance("#123456", "123456")
	assert.True(t, ok)
	assert.InDelta(t, 0, d, 1e-9)

	_, ok = Distance("#zzz", "#000")
	assert.False(t, ok)
}
