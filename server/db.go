// Forge server: Database
// Copyright Alistair Cunningham 2024-2025

package main

import (
	"database/sql"
	"errors"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	path   string
	handle *sqlx.DB
}

const (
	schema_version = 1
)

var (
	databases      = map[string]*DB{}
	databases_lock sync.Mutex
)

func db_create(db *DB) {
	info("Creating new database %q", db.path)

	db.exec("create table settings ( name text not null primary key, value text not null )")
	db.exec("replace into settings ( name, value ) values ( 'schema', ? )", schema_version)

	// Users
	db.exec("create table users ( id integer primary key, username text not null, email text not null default '', password text not null default '', role text not null default 'user', status text not null default 'active', created integer not null )")
	db.exec("create unique index users_username on users ( username )")

	// API tokens, stored as hashes
	db.exec("create table tokens ( hash text not null primary key, user integer not null references users(id) on delete cascade, name text not null default '', created integer not null, used integer not null default 0, expires integer not null default 0 )")
	db.exec("create index tokens_user on tokens ( user )")

	// Projects and their collaborators
	db.exec("create table projects ( id text not null primary key, namespace text not null, handle text not null, visibility text not null default 'private', default_branch text not null default 'main', archive text not null default '', created integer not null )")
	db.exec("create unique index projects_namespace_handle on projects ( namespace, handle )")
	db.exec("create table collaborators ( project text not null references projects(id) on delete cascade, user integer not null references users(id) on delete cascade, level text not null, primary key ( project, user ) )")
}

func db_open(file string) *DB {
	path := data_dir + "/" + file

	databases_lock.Lock()
	defer databases_lock.Unlock()

	db, found := databases[path]
	if found {
		return db
	}

	created := false
	if !file_exists(path) {
		file_create(path)
		created = true
	}

	h := must(sqlx.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000"))
	db = &DB{path: path, handle: h}
	databases[path] = db

	db.exec("PRAGMA journal_mode=WAL")
	if created {
		db_create(db)
	}
	return db
}

// Close and forget a database, so a later db_open starts afresh
func db_close(file string) {
	path := data_dir + "/" + file

	databases_lock.Lock()
	defer databases_lock.Unlock()

	db, found := databases[path]
	if found {
		db.handle.Close()
		delete(databases, path)
	}
}

func (db *DB) exec(query string, values ...any) {
	must(db.handle.Exec(query, values...))
}

func (db *DB) exists(query string, values ...any) (bool, error) {
	r, err := db.handle.Query(query, values...)
	if err != nil {
		return false, err
	}
	defer r.Close()
	return r.Next(), nil
}

func (db *DB) integer(query string, values ...any) int {
	var result int
	must(db.handle.QueryRow(query, values...).Scan(&result))
	return result
}

func (db *DB) scan(out any, query string, values ...any) bool {
	err := db.handle.QueryRowx(query, values...).StructScan(out)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false
		}
		info("DB scan error: %v", err)
		return false
	}
	return true
}

func (db *DB) scans(out any, query string, values ...any) error {
	return db.handle.Select(out, query, values...)
}
