package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePlayerID(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"069A79F4-44E9-4726-A5BE-FCA90E38AAF5", "069a79f444e94726a5befca90e38aaf5"},
		{"069a79f444e94726a5befca90e38aaf5", "069a79f444e94726a5befca90e38aaf5"},
		{"  Notch ", "notch"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizePlayerID(tt.in))
	}
}

func TestTagSettings_QueryParams(t *testing.T) {
	s := DefaultTagSettings()
	params := s.QueryParams()

	assert.Equal(t, "true", params["color"])
	assert.Equal(t, "false", params[CategoryNacc])
	assert.Equal(t, "false", params[CategoryRadar])
	assert.NotContains(t, params, CategoryBlacklist)
	assert.NotContains(t, params, CategoryUrchin)
}

func TestTagSettings_Signature(t *testing.T) {
	a := DefaultTagSettings()
	b := DefaultTagSettings()
	assert.Equal(t, a.Signature(), b.Signature())

	b.Urchin = true
	assert.Equal(t, a.Signature(), b.Signature(), "urchin is not a backend category")

	b.Gaps = false
	assert.NotEqual(t, a.Signature(), b.Signature())
	assert.NotEmpty(t, b.Signature())
}

func TestTagSettings_Set(t *testing.T) {
	var s TagSettings
	assert.True(t, s.Set(CategoryRadar, true))
	assert.True(t, s.Enabled(CategoryRadar))
	assert.False(t, s.Set("bogus", true))
	assert.False(t, s.Enabled("bogus"))
}
