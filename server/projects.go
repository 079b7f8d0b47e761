// Forge server: Projects and access control
// Copyright Alistair Cunningham 2025

package main

import (
	"fmt"
	"strings"
)

type Project struct {
	ID            string `db:"id" json:"id"`
	Namespace     string `db:"namespace" json:"namespace"`
	Handle        string `db:"handle" json:"handle"`
	Visibility    string `db:"visibility" json:"visibility"`
	DefaultBranch string `db:"default_branch" json:"default_branch"`
	Archive       string `db:"archive" json:"-"`
	Created       int64  `db:"created" json:"created"`
}

type access_level int

const (
	access_none access_level = iota
	access_read
	access_write
	access_admin
)

// project_directory is the authorization collaborator: it knows projects, users, and who may do what
type project_directory interface {
	project(namespace string, handle string) (*Project, error)
	authenticate(username string, secret string) *User
	permission(p *Project, u *User) access_level
	archive_set(p *Project, key string) error
}

// Directory backed by the server's own database
type directory_db struct{}

var directory project_directory = &directory_db{}

func (p *Project) public() bool {
	return p.Visibility == "public"
}

func (p *Project) String() string {
	return p.Namespace + "/" + p.Handle
}

func access_level_parse(level string) access_level {
	switch level {
	case "read":
		return access_read
	case "write":
		return access_write
	case "admin", "owner":
		return access_admin
	}
	return access_none
}

func project_create(namespace string, handle string, visibility string, default_branch string) (*Project, error) {
	if !valid(namespace, "username") || !valid(handle, "handle") {
		return nil, fmt.Errorf("invalid project name %q", namespace+"/"+handle)
	}
	if visibility == "" {
		visibility = "private"
	}
	if !valid(visibility, "visibility") {
		return nil, fmt.Errorf("invalid visibility %q", visibility)
	}
	if default_branch == "" {
		default_branch = "main"
	}
	if !valid(default_branch, "ref") {
		return nil, fmt.Errorf("invalid default branch %q", default_branch)
	}

	db := db_open("db/forge.db")
	exists, err := db.exists("select id from projects where namespace = ? and handle = ?", namespace, handle)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("project %q already exists", namespace+"/"+handle)
	}

	p := &Project{ID: uid(), Namespace: namespace, Handle: handle, Visibility: visibility, DefaultBranch: default_branch, Created: now()}
	db.exec("insert into projects ( id, namespace, handle, visibility, default_branch, archive, created ) values ( ?, ?, ?, ?, ?, '', ? )", p.ID, p.Namespace, p.Handle, p.Visibility, p.DefaultBranch, p.Created)
	return p, nil
}

func project_collaborator_set(p *Project, u *User, level string) error {
	if access_level_parse(level) == access_none {
		return fmt.Errorf("invalid access level %q", level)
	}
	db := db_open("db/forge.db")
	db.exec("replace into collaborators ( project, user, level ) values ( ?, ?, ? )", p.ID, u.ID, level)
	return nil
}

func (d *directory_db) project(namespace string, handle string) (*Project, error) {
	handle = strings.TrimSuffix(handle, ".git")
	if !valid(namespace, "username") || !valid(handle, "handle") {
		return nil, error_project_not_found
	}

	db := db_open("db/forge.db")
	var p Project
	if !db.scan(&p, "select * from projects where namespace = ? and handle = ?", namespace, handle) {
		return nil, fmt.Errorf("%w: %s/%s", error_project_not_found, namespace, handle)
	}
	return &p, nil
}

func (d *directory_db) authenticate(username string, secret string) *User {
	return user_authenticate(username, secret)
}

func (d *directory_db) permission(p *Project, u *User) access_level {
	level := access_none
	if p.public() {
		level = access_read
	}
	if u == nil || !u.active() {
		return level
	}
	if u.administrator() || u.Username == p.Namespace {
		return access_admin
	}

	db := db_open("db/forge.db")
	var c struct {
		Level string `db:"level"`
	}
	if db.scan(&c, "select level from collaborators where project = ? and user = ?", p.ID, u.ID) {
		if l := access_level_parse(c.Level); l > level {
			level = l
		}
	}
	return level
}

func (d *directory_db) archive_set(p *Project, key string) error {
	db := db_open("db/forge.db")
	_, err := db.handle.Exec("update projects set archive = ? where id = ?", key, p.ID)
	if err != nil {
		return err
	}
	p.Archive = key
	return nil
}
