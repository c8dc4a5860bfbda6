package crypto

import (
	"strings"
	"testing"
)

func TestGenerateAPIKey(t *testing.T) {
	key := GenerateAPIKey()

	if !strings.HasPrefix(key, "ec-") {
		t.Errorf("key %q should carry the ec- prefix", key)
	}

	if len(key) != 3+64 {
		t.Errorf("key length = %d, want %d", len(key), 3+64)
	}

	if GenerateAPIKey() == key {
		t.Error("two generated keys should not collide")
	}
}

func TestHashAPIKey(t *testing.T) {
	hash := HashAPIKey("ec-test-key")

	if len(hash) != 64 {
		t.Errorf("hash length = %d, want 64", len(hash))
	}

	if HashAPIKey("ec-test-key") != hash {
		t.Error("hashing must be deterministic")
	}

	if HashAPIKey("ec-other-key") == hash {
		t.Error("distinct keys should hash differently")
	}
}
