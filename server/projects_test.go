// Forge server: Projects and access control unit tests
// Copyright Alistair Cunningham 2025

package main

import (
	"errors"
	"testing"
)

func TestProjectCreate(t *testing.T) {
	cleanup := create_forge_db_env(t)
	defer cleanup()

	p, err := project_create("alice", "widgets", "", "")
	if err != nil {
		t.Fatalf("project_create failed: %v", err)
	}
	if p.Visibility != "private" || p.DefaultBranch != "main" || p.ID == "" || p.String() != "alice/widgets" {
		t.Errorf("Unexpected project %+v", p)
	}

	if _, err := project_create("alice", "widgets", "public", ""); err == nil {
		t.Error("Duplicate project should be rejected")
	}

	tests := []struct {
		namespace  string
		handle     string
		visibility string
		branch     string
	}{
		{"alice", "bad name", "", ""},
		{"alice", "widgets.git", "", ""},
		{"alice", "gadgets", "secret", ""},
		{"alice", "gadgets", "", "bad..branch"},
		{"", "gadgets", "", ""},
	}
	for _, test := range tests {
		if _, err := project_create(test.namespace, test.handle, test.visibility, test.branch); err == nil {
			t.Errorf("project_create(%+v) should fail", test)
		}
	}
}

func TestDirectoryProject(t *testing.T) {
	cleanup := create_forge_db_env(t)
	defer cleanup()

	created, _ := project_create("alice", "widgets", "public", "trunk")

	for _, handle := range []string{"widgets", "widgets.git"} {
		p, err := directory.project("alice", handle)
		if err != nil {
			t.Fatalf("directory.project(%q) failed: %v", handle, err)
		}
		if p.ID != created.ID || p.DefaultBranch != "trunk" {
			t.Errorf("Unexpected project %+v", p)
		}
	}

	_, err := directory.project("alice", "missing")
	if !errors.Is(err, error_project_not_found) {
		t.Errorf("Expected project not found, got %v", err)
	}
	_, err = directory.project("../etc", "passwd")
	if !errors.Is(err, error_project_not_found) {
		t.Errorf("Invalid names should be not found, got %v", err)
	}
}

func TestDirectoryPermission(t *testing.T) {
	cleanup := create_forge_db_env(t)
	defer cleanup()

	alice, _ := user_create("alice", "", "secret", "")
	bob, _ := user_create("bob", "", "secret", "")
	carol, _ := user_create("carol", "", "secret", "")
	admin, _ := user_create("root", "", "secret", "administrator")
	private, _ := project_create("alice", "private", "private", "")
	public, _ := project_create("alice", "public", "public", "")
	project_collaborator_set(private, bob, "write")
	project_collaborator_set(public, carol, "read")

	tests := []struct {
		name    string
		project *Project
		user    *User
		want    access_level
	}{
		{"anonymous private", private, nil, access_none},
		{"anonymous public", public, nil, access_read},
		{"owner", private, alice, access_admin},
		{"collaborator", private, bob, access_write},
		{"stranger private", private, carol, access_none},
		{"stranger public", public, bob, access_read},
		{"read collaborator public", public, carol, access_read},
		{"administrator", private, admin, access_admin},
	}
	for _, test := range tests {
		if got := directory.permission(test.project, test.user); got != test.want {
			t.Errorf("%s: permission = %d, expected %d", test.name, got, test.want)
		}
	}

	if err := project_collaborator_set(private, carol, "superuser"); err == nil {
		t.Error("Unknown access level should be rejected")
	}
}

func TestDirectoryArchiveSet(t *testing.T) {
	cleanup := create_forge_db_env(t)
	defer cleanup()

	p, _ := project_create("alice", "widgets", "", "")
	if err := directory.archive_set(p, "key/one.tar.gz"); err != nil {
		t.Fatalf("archive_set failed: %v", err)
	}
	if p.Archive != "key/one.tar.gz" {
		t.Error("archive_set should update the project")
	}

	stored, _ := directory.project("alice", "widgets")
	if stored.Archive != "key/one.tar.gz" {
		t.Errorf("Stored archive = %q", stored.Archive)
	}
}
