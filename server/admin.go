// Forge server: Administration commands
// Copyright Alistair Cunningham 2025

package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
)

// Run an administration command given on the command line, such as "user-create -username alice"
func admin_command(args []string, w io.Writer) error {
	if len(args) == 0 {
		return errors.New("no command given")
	}
	f := flag.NewFlagSet(args[0], flag.ContinueOnError)
	f.SetOutput(w)

	switch args[0] {
	case "user-create":
		username := f.String("username", "", "Username")
		email := f.String("email", "", "Email address")
		role := f.String("role", "user", "Role; user or administrator")
		password := f.Bool("password", false, "Read a password from standard input")
		if err := f.Parse(args[1:]); err != nil {
			return err
		}
		secret := ""
		if *password {
			b, err := io.ReadAll(io.LimitReader(os.Stdin, 1024))
			if err != nil {
				return err
			}
			secret = strings.TrimRight(string(b), "\r\n")
		}
		u, err := user_create(*username, *email, secret, *role)
		if err != nil {
			return err
		}
		info("Admin created user %q", u.Username)
		fmt.Fprintf(w, "Created user %d %s\n", u.ID, u.Username)

	case "user-list":
		if err := f.Parse(args[1:]); err != nil {
			return err
		}
		var users []User
		if err := db_open("db/forge.db").scans(&users, "select * from users order by username"); err != nil {
			return err
		}
		for _, u := range users {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", u.ID, u.Username, u.Email, u.Role, u.Status)
		}

	case "project-create":
		name := f.String("project", "", "Project, as namespace/handle")
		visibility := f.String("visibility", "private", "Visibility; public or private")
		branch := f.String("branch", "main", "Default branch")
		if err := f.Parse(args[1:]); err != nil {
			return err
		}
		namespace, handle, _ := strings.Cut(*name, "/")
		if user_by_username(namespace) == nil {
			return fmt.Errorf("no user %q to own the project", namespace)
		}
		p, err := project_create(namespace, handle, *visibility, *branch)
		if err != nil {
			return err
		}
		info("Admin created project %s", p)
		fmt.Fprintf(w, "Created project %s %s\n", p.ID, p)

	case "collaborator-set":
		name := f.String("project", "", "Project, as namespace/handle")
		username := f.String("user", "", "Username")
		level := f.String("level", "read", "Access level; read, write, or admin")
		if err := f.Parse(args[1:]); err != nil {
			return err
		}
		namespace, handle, _ := strings.Cut(*name, "/")
		p, err := directory.project(namespace, handle)
		if err != nil {
			return err
		}
		u := user_by_username(*username)
		if u == nil {
			return fmt.Errorf("no user %q", *username)
		}
		if err := project_collaborator_set(p, u, *level); err != nil {
			return err
		}
		fmt.Fprintf(w, "%s has %s access to %s\n", u.Username, *level, p)

	case "token-create":
		username := f.String("user", "", "Username")
		name := f.String("name", "", "Token name")
		days := f.Int("days", 0, "Days until the token expires; 0 for never")
		if err := f.Parse(args[1:]); err != nil {
			return err
		}
		u := user_by_username(*username)
		if u == nil {
			return fmt.Errorf("no user %q", *username)
		}
		expires := int64(0)
		if *days > 0 {
			expires = now() + int64(*days)*86400
		}
		token := token_create(u.ID, *name, expires)
		if token == "" {
			return errors.New("unable to generate token")
		}
		info("Admin created token %q for user %q", *name, u.Username)
		fmt.Fprintln(w, token)

	case "token-list":
		if err := f.Parse(args[1:]); err != nil {
			return err
		}
		var tokens []Token
		if err := db_open("db/forge.db").scans(&tokens, "select * from tokens order by user, created"); err != nil {
			return err
		}
		for _, t := range tokens {
			owner := "?"
			if u := user_by_id(t.User); u != nil {
				owner = u.Username
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", t.Hash, owner, t.Name, t.Expires)
		}

	case "token-delete":
		hash := f.String("hash", "", "Hash of the token, as shown by token-list")
		if err := f.Parse(args[1:]); err != nil {
			return err
		}
		if !valid(*hash, "token_hash") {
			return fmt.Errorf("invalid token hash %q", *hash)
		}
		token_delete(*hash)
		info("Admin deleted token %q", *hash)

	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
	return nil
}
