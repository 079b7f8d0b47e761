// Forge server: Database unit tests
// Copyright Alistair Cunningham 2025

package main

import (
	"os"
	"path/filepath"
	"testing"
)

// create_forge_db_env points data_dir at a temporary directory, so the first db_open creates a fresh schema
func create_forge_db_env(t *testing.T) func() {
	tmp_dir, err := os.MkdirTemp("", "forge_db_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	orig_data_dir := data_dir
	data_dir = tmp_dir

	return func() {
		db_close("db/forge.db")
		data_dir = orig_data_dir
		os.RemoveAll(tmp_dir)
	}
}

func TestDBOpenCreatesSchema(t *testing.T) {
	cleanup := create_forge_db_env(t)
	defer cleanup()

	db := db_open("db/forge.db")
	if !file_exists(filepath.Join(data_dir, "db", "forge.db")) {
		t.Fatal("Database file should be created")
	}

	if v := db.integer("select value from settings where name = 'schema'"); v != schema_version {
		t.Errorf("Schema version = %d, expected %d", v, schema_version)
	}
	for _, table := range []string{"users", "tokens", "projects", "collaborators"} {
		exists, err := db.exists("select name from sqlite_master where type = 'table' and name = ?", table)
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if !exists {
			t.Errorf("Table %q should exist", table)
		}
	}
}

func TestDBOpenCached(t *testing.T) {
	cleanup := create_forge_db_env(t)
	defer cleanup()

	a := db_open("db/forge.db")
	b := db_open("db/forge.db")
	if a != b {
		t.Error("db_open should return the same handle for the same file")
	}

	db_close("db/forge.db")
	c := db_open("db/forge.db")
	if c == a {
		t.Error("db_open after db_close should return a new handle")
	}
}

func TestDBScan(t *testing.T) {
	cleanup := create_forge_db_env(t)
	defer cleanup()

	db := db_open("db/forge.db")
	db.exec("insert into users ( username, created ) values ( 'alice', 1 ), ( 'bob', 2 )")

	var u User
	if !db.scan(&u, "select * from users where username = ?", "bob") {
		t.Fatal("scan should find bob")
	}
	if u.Username != "bob" || u.Created != 2 || u.Role != "user" || u.Status != "active" {
		t.Errorf("Unexpected user %+v", u)
	}
	if db.scan(&u, "select * from users where username = ?", "carol") {
		t.Error("scan should return false when there is no row")
	}

	var users []User
	if err := db.scans(&users, "select * from users order by username"); err != nil {
		t.Fatalf("scans failed: %v", err)
	}
	if len(users) != 2 || users[0].Username != "alice" {
		t.Errorf("Unexpected users %+v", users)
	}
}

func TestDBForeignKeys(t *testing.T) {
	cleanup := create_forge_db_env(t)
	defer cleanup()

	db := db_open("db/forge.db")
	db.exec("insert into users ( id, username, created ) values ( 1, 'alice', 1 )")
	db.exec("insert into tokens ( hash, user, created ) values ( 'h', 1, 1 )")
	db.exec("delete from users where id = 1")

	if db.integer("select count(*) from tokens") != 0 {
		t.Error("Deleting a user should delete their tokens")
	}
}
