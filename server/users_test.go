// Forge server: Users unit tests
// Copyright Alistair Cunningham 2025

package main

import (
	"testing"
)

func TestUserCreate(t *testing.T) {
	cleanup := create_forge_db_env(t)
	defer cleanup()

	u, err := user_create("alice", "alice@example.com", "secret", "")
	if err != nil {
		t.Fatalf("user_create failed: %v", err)
	}
	if u.Username != "alice" || u.Role != "user" || !u.active() || u.administrator() {
		t.Errorf("Unexpected user %+v", u)
	}
	if u.Password == "secret" || u.Password == "" {
		t.Error("Password should be stored as a hash")
	}

	if _, err := user_create("alice", "", "other", ""); err == nil {
		t.Error("Duplicate username should be rejected")
	}
}

func TestUserCreateInvalid(t *testing.T) {
	cleanup := create_forge_db_env(t)
	defer cleanup()

	tests := []struct {
		username string
		email    string
	}{
		{"", ""},
		{"has space", ""},
		{"-leading", ""},
		{"alice", "not-an-email"},
	}
	for _, test := range tests {
		if _, err := user_create(test.username, test.email, "secret", ""); err == nil {
			t.Errorf("user_create(%q, %q) should fail", test.username, test.email)
		}
	}
}

func TestUserLookup(t *testing.T) {
	cleanup := create_forge_db_env(t)
	defer cleanup()

	u, err := user_create("alice", "", "secret", "administrator")
	if err != nil {
		t.Fatalf("user_create failed: %v", err)
	}
	if !u.administrator() {
		t.Error("Role administrator should be an administrator")
	}
	if got := user_by_id(u.ID); got == nil || got.Username != "alice" {
		t.Errorf("user_by_id(%d) = %+v", u.ID, got)
	}
	if user_by_id(999) != nil {
		t.Error("user_by_id should return nil for a missing user")
	}
	if user_by_username("bob") != nil {
		t.Error("user_by_username should return nil for a missing user")
	}
}

func TestUserAuthenticate(t *testing.T) {
	cleanup := create_forge_db_env(t)
	defer cleanup()

	alice, _ := user_create("alice", "", "secret", "")
	bob, _ := user_create("bob", "", "", "")
	alice_token := token_create(alice.ID, "laptop", 0)
	bob_token := token_create(bob.ID, "ci", 0)

	tests := []struct {
		name     string
		username string
		secret   string
		want     string
	}{
		{"password", "alice", "secret", "alice"},
		{"wrong password", "alice", "wrong", ""},
		{"token", "alice", alice_token, "alice"},
		{"token for another user", "alice", bob_token, ""},
		{"token only user", "bob", bob_token, "bob"},
		{"no password set", "bob", "", ""},
		{"unknown user", "carol", "secret", ""},
		{"empty username", "", "secret", ""},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			u := user_authenticate(test.username, test.secret)
			got := ""
			if u != nil {
				got = u.Username
			}
			if got != test.want {
				t.Errorf("user_authenticate(%q) = %q, expected %q", test.username, got, test.want)
			}
		})
	}
}

func TestUserAuthenticateSuspended(t *testing.T) {
	cleanup := create_forge_db_env(t)
	defer cleanup()

	user_create("alice", "", "secret", "")
	db_open("db/forge.db").exec("update users set status = 'suspended' where username = 'alice'")

	if user_authenticate("alice", "secret") != nil {
		t.Error("Suspended users should not authenticate")
	}
}
