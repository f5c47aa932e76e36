package store

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"shorter than max", "short", 64, "short"},
		{"exactly max", strings.Repeat("a", 8), 8, strings.Repeat("a", 8)},
		{"ascii cut", "abcdefgh", 4, "abcd"},
		{"multibyte at boundary", strings.Repeat("a", 63) + "世界", 64, strings.Repeat("a", 63)},
		{"cut inside rune", "世界", 4, "世"},
		{"cut before first rune ends", "世界", 2, ""},
		{"empty", "", 8, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.in, tt.max)
			if got != tt.want {
				t.Fatalf("truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
			}
			if len(got) > tt.max {
				t.Fatalf("result %q exceeds %d bytes", got, tt.max)
			}
			if !utf8.ValidString(got) {
				t.Fatalf("result %q is not valid UTF-8", got)
			}
		})
	}
}
