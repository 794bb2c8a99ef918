package main

import (
	"errors"
	"testing"
)

func TestFormatTrackDuration(t *testing.T) {
	tests := []struct {
		seconds float64
		want    string
	}{
		{45, "0:45"},
		{60, "1:00"},
		{65, "1:05"},
		{600, "10:00"},
		{3599, "59:59"},
		{3600, "1:00:00"},
		{3665, "1:01:05"},
		{7325, "2:02:05"},
		// Live streams and missing durations must come back empty, not
		// as a fake 0:00.
		{0, ""},
		{-5, ""},
	}
	for _, tt := range tests {
		if got := formatTrackDuration(tt.seconds); got != tt.want {
			t.Errorf("formatTrackDuration(%v) = %q, want %q", tt.seconds, got, tt.want)
		}
	}
}

func TestURLClassification(t *testing.T) {
	tests := []struct {
		input string
		isURL bool
	}{
		{"https://www.youtube.com/watch?v=abc", true},
		{"http://example.com/track", true},
		{"HTTPS://EXAMPLE.COM", true},
		{"never gonna give you up", false},
		{"ftp://example.com", false},
		{"https://has space.com/x", false},
		{"youtube.com/watch?v=abc", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := urlRegex.MatchString(tt.input); got != tt.isURL {
			t.Errorf("urlRegex.MatchString(%q) = %v, want %v", tt.input, got, tt.isURL)
		}
	}
}

func TestSelectStreamURL(t *testing.T) {
	tests := []struct {
		name string
		info trackInfo
		want string
	}{
		{
			name: "top level url with audio codec",
			info: trackInfo{URL: "https://cdn/audio", ACodec: "opus"},
			want: "https://cdn/audio",
		},
		{
			name: "top level url without audio codec falls to formats",
			info: trackInfo{
				URL:    "https://cdn/video",
				ACodec: "none",
				Formats: []trackFormat{
					{URL: "https://cdn/muxed", ACodec: "aac", VCodec: "h264"},
					{URL: "https://cdn/audio-only", ACodec: "opus", VCodec: "none"},
				},
			},
			want: "https://cdn/audio-only",
		},
		{
			name: "no audio-only format falls to last",
			info: trackInfo{
				ACodec: "none",
				Formats: []trackFormat{
					{URL: "https://cdn/first", ACodec: "none", VCodec: "h264"},
					{URL: "https://cdn/last", ACodec: "aac", VCodec: "h264"},
				},
			},
			want: "https://cdn/last",
		},
		{
			name: "empty dump",
			info: trackInfo{},
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := selectStreamURL(&tt.info); got != tt.want {
				t.Errorf("selectStreamURL = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolutionErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := &ResolutionError{Input: "some song", Stage: "search", Err: inner}
	if !errors.Is(err, inner) {
		t.Error("ResolutionError does not unwrap to its cause")
	}
	if err.Error() == "" {
		t.Error("empty error message")
	}
}
