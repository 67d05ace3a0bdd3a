package version

import (
	"runtime"
	"strings"
	"testing"
)

func TestGetInfo(t *testing.T) {
	info := GetInfo()

	if info.Version == "" {
		t.Error("expected non-empty version")
	}
	if info.GoVersion != runtime.Version() {
		t.Errorf("expected go version %s, got %s", runtime.Version(), info.GoVersion)
	}
	if !strings.Contains(info.Platform, runtime.GOOS) || !strings.Contains(info.Platform, runtime.GOARCH) {
		t.Errorf("unexpected platform %s", info.Platform)
	}
}

func TestString(t *testing.T) {
	originalCommit := Commit
	defer func() { Commit = originalCommit }()

	Commit = "unknown"
	if s := String(); !strings.HasPrefix(s, ApplicationName+" version ") {
		t.Errorf("unexpected version string %q", s)
	}

	Commit = "0123456789abcdef"
	if s := String(); !strings.Contains(s, "commit: 01234567") {
		t.Errorf("expected short commit in %q", s)
	}
}

func TestShort(t *testing.T) {
	originalVersion, originalCommit := Version, Commit
	defer func() { Version, Commit = originalVersion, originalCommit }()

	Version = "1.0.0"
	Commit = "unknown"
	if s := Short(); s != "1.0.0" {
		t.Errorf("expected 1.0.0, got %s", s)
	}

	Commit = "abcdef0123456789"
	if s := Short(); s != "1.0.0 (abcdef01)" {
		t.Errorf("expected commit suffix, got %s", s)
	}
}

func TestServerHeader(t *testing.T) {
	if h := ServerHeader(); !strings.HasPrefix(h, ApplicationName+"/") {
		t.Errorf("expected header to start with %s/, got %s", ApplicationName, h)
	}
}

func TestIsSnapshot(t *testing.T) {
	originalVersion := Version
	defer func() { Version = originalVersion }()

	tests := []struct {
		version  string
		expected bool
	}{
		{"dev", true},
		{"1.0.0", false},
		{"1.0.1-SNAPSHOT.abc1234", true},
		{"1.2.3-alpha.1", false},
	}

	for _, tt := range tests {
		Version = tt.version
		if got := IsSnapshot(); got != tt.expected {
			t.Errorf("IsSnapshot(%q) = %v, want %v", tt.version, got, tt.expected)
		}
	}
}
