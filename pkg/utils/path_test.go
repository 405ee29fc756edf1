package utils

import (
	"testing"
)

func TestCleanRel(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"root", "/", "/", false},
		{"empty", "", "/", false},
		{"relative", "a/b", "/a/b", false},
		{"absolute", "/a/b/", "/a/b", false},
		{"dot segments", "/a/./b", "/a/b", false},
		{"double slash", "//a//b", "/a/b", false},
		{"traversal", "/a/../../etc", "", true},
		{"leading traversal", "../x", "", true},
		{"dots in name", "/a..b/c", "/a..b/c", false},
		{"nul", "/a\x00b", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CleanRel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CleanRel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("CleanRel(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestRelTo(t *testing.T) {
	tests := []struct {
		base     string
		physical string
		want     string
		wantErr  bool
	}{
		{"/dev/shm/h-u", "/dev/shm/h-u/a/b", "/a/b", false},
		{"/dev/shm/h-u", "/dev/shm/h-u", "/", false},
		{"/dev/shm/h-u/", "/dev/shm/h-u/x", "/x", false},
		{"/dev/shm/h-u", "/dev/shm/other", "", true},
	}

	for _, tt := range tests {
		got, err := RelTo(tt.base, tt.physical)
		if (err != nil) != tt.wantErr {
			t.Errorf("RelTo(%q, %q) error = %v, wantErr %v", tt.base, tt.physical, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("RelTo(%q, %q) = %q, want %q", tt.base, tt.physical, got, tt.want)
		}
	}
}

func TestIsWithin(t *testing.T) {
	tests := []struct {
		base, target string
		want         bool
	}{
		{"/tmp", "/tmp", true},
		{"/tmp", "/tmp/x", true},
		{"/tmp", "/tmpfoo", false},
		{"/", "/anything", true},
		{"/home/user", "/home", false},
	}
	for _, tt := range tests {
		if got := IsWithin(tt.base, tt.target); got != tt.want {
			t.Errorf("IsWithin(%q, %q) = %v, want %v", tt.base, tt.target, got, tt.want)
		}
	}
}
