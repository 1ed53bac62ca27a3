package contentkind

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindHas(t *testing.T) {
	assert.True(t, All.Has(Audio))
	assert.True(t, All.Has(Audio|Video))
	assert.True(t, (Audio | Video).Has(Video))
	assert.False(t, Audio.Has(Video))
	assert.False(t, Audio.Has(Audio|Video), "Has requires every bit, not any")
	assert.True(t, Audio.Has(None), "every mask contains the empty mask")
}

func TestKindIntersects(t *testing.T) {
	assert.True(t, (Audio | Video).Intersects(Video|Data))
	assert.False(t, Audio.Intersects(Video|Data))
	assert.False(t, None.Intersects(All))
}

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{None, "none"},
		{Audio, "audio"},
		{Video, "video"},
		{Data, "data"},
		{Audio | Video, "audio|video"},
		{All, "audio|video|data"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.kind.String())
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name   string
		want   Kind
		wantOK bool
	}{
		{"audio", Audio, true},
		{"Video", Video, true},
		{"DATA", Data, true},
		{"screenshare", None, false},
		{"", None, false},
	}
	for _, tt := range tests {
		got, ok := Parse(tt.name)
		assert.Equal(t, tt.wantOK, ok, "Parse(%q)", tt.name)
		assert.Equal(t, tt.want, got, "Parse(%q)", tt.name)
	}
}
