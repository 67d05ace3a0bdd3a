package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseVideo(t *testing.T) {
	tests := []struct {
		input    string
		expected Video
		ok       bool
	}{
		// Canonical names
		{"h264", VideoH264, true},
		{"h265", VideoH265, true},
		{"vp9", VideoVP9, true},
		{"av1", VideoAV1, true},
		// Aliases
		{"hevc", VideoH265, true},
		{"avc", VideoH264, true},
		{"avc1", VideoH264, true},
		{"hev1", VideoH265, true},
		{"hvc1", VideoH265, true},
		// Sample entry codes with profile suffixes
		{"avc1.64001f", VideoH264, true},
		{"hvc1.1.6.L93.B0", VideoH265, true},
		{"vp09.00.10.08", VideoVP9, true},
		{"av01.0.04M.08", VideoAV1, true},
		// Case insensitive
		{"H264", VideoH264, true},
		{"AVC1.42E01E", VideoH264, true},
		// Wrong kind or invalid
		{"mp4a.40.2", "", false},
		{"", "", false},
		{"invalid", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := ParseVideo(tt.input)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestParseAudio(t *testing.T) {
	tests := []struct {
		input    string
		expected Audio
		ok       bool
	}{
		{"aac", AudioAAC, true},
		{"mp4a.40.2", AudioAAC, true},
		{"mp4a.40.5", AudioAAC, true},
		{"ac-3", AudioAC3, true},
		{"ec-3", AudioEAC3, true},
		{"opus", AudioOpus, true},
		{"Opus", AudioOpus, true},
		{"avc1", "", false},
		{"zzz", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := ParseAudio(tt.input)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestLookup_Text(t *testing.T) {
	info, ok := Lookup("wvtt")
	assert.True(t, ok)
	assert.Equal(t, KindText, info.Kind)
	assert.Equal(t, "application/x-subtitle-vtt", info.MimeType)
}

func TestSupportedIn(t *testing.T) {
	tests := []struct {
		container Container
		codec     string
		want      bool
	}{
		{ContainerFMP4, "avc1.64001f", true},
		{ContainerFMP4, "av01.0.04M.08", true},
		{ContainerFMP4, "ec-3", true},
		{ContainerMPEGTS, "avc1.64001f", true},
		{ContainerMPEGTS, "mp4a.40.2", true},
		{ContainerMPEGTS, "vp09.00.10.08", false},
		{ContainerMPEGTS, "ec-3", true},
		{ContainerFMP4, "theora", false},
		{ContainerFMP4, "wvtt", false},
		{ContainerFMP4, "zzz", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.container)+"/"+tt.codec, func(t *testing.T) {
			assert.Equal(t, tt.want, SupportedIn(tt.container, tt.codec))
		})
	}
}

func TestNormalizeAndMatch(t *testing.T) {
	assert.Equal(t, "h264", Normalize("avc3.640028"))
	assert.Equal(t, "aac", Normalize("MP4A.40.2"))
	assert.Equal(t, "mystery", Normalize("mystery"))

	assert.True(t, Match("avc1.42e01e", "h264"))
	assert.True(t, Match("hevc", "hvc1"))
	assert.False(t, Match("h264", "h265"))
	assert.True(t, Match("foo", "FOO"))
}

func TestValidCodecs(t *testing.T) {
	assert.Contains(t, ValidCodecs(KindVideo), "h264")
	assert.Contains(t, ValidCodecs(KindAudio), "opus")
	assert.ElementsMatch(t, []string{"wvtt", "stpp"}, ValidCodecs(KindText))
}
