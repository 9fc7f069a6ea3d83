package poe

import (
	"strings"
	"testing"
)

func TestFindAccessKey_Order(t *testing.T) {
	tests := []struct {
		name      string
		accessKey string
		apiKey    string
		envAccess string
		envAPI    string
		want      string
	}{
		{"arg wins", "arg-key", "api-key", "env-access", "env-api", "arg-key"},
		{"env access second", "", "api-key", "env-access", "env-api", "env-access"},
		{"api arg third", "", "api-key", "", "env-api", "api-key"},
		{"env api last", "", "", "", "env-api", "env-api"},
		{"nothing", "", "", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("POE_ACCESS_KEY", tt.envAccess)
			t.Setenv("POE_API_KEY", tt.envAPI)
			if got := FindAccessKey(tt.accessKey, tt.apiKey); got != tt.want {
				t.Errorf("FindAccessKey = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestVerifyAccessKey(t *testing.T) {
	t.Setenv("POE_ACCESS_KEY", "")
	t.Setenv("POE_API_KEY", "")

	valid := strings.Repeat("k", AccessKeyLength)
	key, err := VerifyAccessKey(valid, "", false)
	if err != nil {
		t.Fatalf("valid key rejected: %v", err)
	}
	if key != valid {
		t.Errorf("key = %q, want %q", key, valid)
	}

	if _, err := VerifyAccessKey("short", "", false); err == nil {
		t.Error("want error for wrong-length key")
	}
	if _, err := VerifyAccessKey("", "", false); err == nil {
		t.Error("want error for missing key")
	}
	key, err = VerifyAccessKey("", "", true)
	if err != nil || key != "" {
		t.Errorf("keyless allowed mode: key=%q err=%v", key, err)
	}
}
