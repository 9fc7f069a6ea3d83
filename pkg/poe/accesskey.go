package poe

import (
	"fmt"
	"os"
)

// AccessKeyLength is the exact length of a valid bot access key.
const AccessKeyLength = 32

// FindAccessKey resolves the access key to use. The order of preference is:
//
//  1. accessKey argument
//  2. POE_ACCESS_KEY environment variable
//  3. apiKey argument (deprecated)
//  4. POE_API_KEY environment variable (deprecated)
//
// The empty string is returned when no source is set.
func FindAccessKey(accessKey, apiKey string) string {
	if accessKey != "" {
		return accessKey
	}
	if env := os.Getenv("POE_ACCESS_KEY"); env != "" {
		return env
	}
	if apiKey != "" {
		return apiKey
	}
	return os.Getenv("POE_API_KEY")
}

// VerifyAccessKey resolves the access key and validates its length. When no
// key is found, it returns an error unless allowWithoutKey is set, in which
// case the empty string is returned and auth is skipped.
func VerifyAccessKey(accessKey, apiKey string, allowWithoutKey bool) (string, error) {
	key := FindAccessKey(accessKey, apiKey)
	if key == "" {
		if allowWithoutKey {
			return "", nil
		}
		return "", fmt.Errorf("missing access key: pass one explicitly or set POE_ACCESS_KEY")
	}
	if len(key) != AccessKeyLength {
		return "", fmt.Errorf("invalid access key: want %d characters, got %d", AccessKeyLength, len(key))
	}
	return key, nil
}
