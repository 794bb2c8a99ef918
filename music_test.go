package main

import (
	"fmt"
	"testing"
)

func TestVideoIDFromURL(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://www.youtube.com/watch?v=abc123", "abc123"},
		{"https://music.youtube.com/watch?v=abc123", "abc123"},
		{"https://www.youtube.com/watch?v=abc123&list=PLx", "abc123"},
		{"https://example.com/no-id", "https://example.com/no-id"},
	}
	for _, tt := range tests {
		if got := videoIDFromURL(tt.url); got != tt.want {
			t.Errorf("videoIDFromURL(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}

func TestQueuedReplyFormat(t *testing.T) {
	got := fmt.Sprintf(MsgMusicQueued, withDuration("**Never Gonna Give You Up**", "3:32"), "rick")
	want := "✅ Queued: **Never Gonna Give You Up** `[3:32]` — requested by rick"
	if got != want {
		t.Errorf("queued reply = %q, want %q", got, want)
	}

	// Unknown duration drops the bracket entirely.
	got = fmt.Sprintf(MsgMusicQueued, withDuration("**Lofi Radio**", ""), "rick")
	want = "✅ Queued: **Lofi Radio** — requested by rick"
	if got != want {
		t.Errorf("queued reply without duration = %q, want %q", got, want)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in     string
		maxLen int
		want   string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is a longer string", 10, "this is..."},
		{"abcdef", 3, "abc"},
	}
	for _, tt := range tests {
		if got := Truncate(tt.in, tt.maxLen); got != tt.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.maxLen, got, tt.want)
		}
	}
}
