// Forge server: Token unit tests
// Copyright Alistair Cunningham 2025

package main

import (
	"strings"
	"testing"
)

func TestTokenGenerate(t *testing.T) {
	token := token_generate()

	if !strings.HasPrefix(token, token_prefix) {
		t.Errorf("Token should start with %q, got: %s", token_prefix, token)
	}
	if len(token) != len(token_prefix)+40 {
		t.Errorf("Token should be %d characters, got: %d", len(token_prefix)+40, len(token))
	}
	if token == token_generate() {
		t.Error("Two generated tokens should not be identical")
	}
}

func TestTokenHash(t *testing.T) {
	token := token_prefix + "0123456789abcdef0123456789abcdef01234567"

	hash := token_hash(token)
	if hash != token_hash(token) {
		t.Error("Same token should produce same hash")
	}
	if len(hash) != 64 {
		t.Errorf("Hash should be 64 characters, got: %d", len(hash))
	}
	if hash == token_hash(token+"8") {
		t.Error("Different tokens should produce different hashes")
	}
}

func TestTokenValidate(t *testing.T) {
	cleanup := create_forge_db_env(t)
	defer cleanup()

	u, _ := user_create("alice", "", "", "")
	token := token_create(u.ID, "laptop", 0)
	if token == "" {
		t.Fatal("token_create failed")
	}

	v := token_validate(token)
	if v == nil || v.User != u.ID || v.Name != "laptop" {
		t.Fatalf("Unexpected token %+v", v)
	}
	if v.Hash == token {
		t.Error("Plaintext token must not be stored")
	}

	db := db_open("db/forge.db")
	if db.integer("select used from tokens where hash = ?", token_hash(token)) == 0 {
		t.Error("Validating a token should record when it was used")
	}

	token_delete(token_hash(token))
	if token_validate(token) != nil {
		t.Error("Deleted token should not validate")
	}
}

func TestTokenValidateRejects(t *testing.T) {
	cleanup := create_forge_db_env(t)
	defer cleanup()

	u, _ := user_create("alice", "", "", "")
	expired := token_create(u.ID, "old", now()-60)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"prefix only", token_prefix},
		{"wrong prefix", "other-0123456789abcdef0123456789abcdef01234567"},
		{"unknown", token_prefix + "0123456789abcdef0123456789abcdef01234567"},
		{"expired", expired},
	}
	for _, test := range tests {
		if token_validate(test.token) != nil {
			t.Errorf("%s: token should not validate", test.name)
		}
	}
}
