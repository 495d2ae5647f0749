package utils

import (
	"path/filepath"
	"testing"
)

func TestResolvePath(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantError bool
	}{
		{
			name:      "empty path",
			input:     "",
			wantError: true,
		},
		{
			name:      "relative path",
			input:     "./test",
			wantError: false,
		},
		{
			name:      "absolute path",
			input:     "/tmp/test",
			wantError: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ResolvePath(tt.input)
			if (err != nil) != tt.wantError {
				t.Errorf("ResolvePath(%q) error = %v, wantError %v", tt.input, err, tt.wantError)
			}
			if !tt.wantError && result == "" {
				t.Errorf("ResolvePath(%q) returned empty string", tt.input)
			}
		})
	}
}

func TestEnsureParent(t *testing.T) {
	target := filepath.Join(t.TempDir(), "a", "b", "ops.db")
	if err := EnsureParent(target); err != nil {
		t.Fatalf("EnsureParent(%q) error = %v", target, err)
	}
	parent := filepath.Dir(target)
	if err := EnsureDir(parent); err != nil {
		t.Fatalf("EnsureDir on existing dir error = %v", err)
	}
}
