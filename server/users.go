// Forge server: Users
// Copyright Alistair Cunningham 2024-2025

package main

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

type User struct {
	ID       int    `db:"id" json:"id"`
	Username string `db:"username" json:"username"`
	Email    string `db:"email" json:"email"`
	Password string `db:"password" json:"-"`
	Role     string `db:"role" json:"role"`
	Status   string `db:"status" json:"status"`
	Created  int64  `db:"created" json:"created"`
}

// Hash used to spend comparable time when the username is unknown
var user_password_dummy = must(bcrypt.GenerateFromPassword([]byte("forge"), bcrypt.DefaultCost))

func user_create(username string, email string, password string, role string) (*User, error) {
	if !valid(username, "username") {
		return nil, fmt.Errorf("invalid username %q", username)
	}
	if email != "" && !valid(email, "email") {
		return nil, fmt.Errorf("invalid email address %q", email)
	}
	if role == "" {
		role = "user"
	}

	hash := ""
	if password != "" {
		h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}
		hash = string(h)
	}

	db := db_open("db/forge.db")
	exists, err := db.exists("select id from users where username = ?", username)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("user %q already exists", username)
	}
	db.exec("insert into users ( username, email, password, role, status, created ) values ( ?, ?, ?, ?, 'active', ? )", username, email, hash, role, now())
	return user_by_username(username), nil
}

func user_by_id(id int) *User {
	db := db_open("db/forge.db")
	var u User
	if !db.scan(&u, "select * from users where id = ?", id) {
		return nil
	}
	return &u
}

func user_by_username(username string) *User {
	db := db_open("db/forge.db")
	var u User
	if !db.scan(&u, "select * from users where username = ?", username) {
		return nil
	}
	return &u
}

func (u *User) active() bool {
	return u.Status == "active"
}

func (u *User) administrator() bool {
	return u.Role == "administrator"
}

// Check a username and a password or API token. Every failure looks the same to the caller.
func user_authenticate(username string, secret string) *User {
	if username == "" || secret == "" {
		return nil
	}

	u := user_by_username(username)
	if u == nil {
		bcrypt.CompareHashAndPassword(user_password_dummy, []byte(secret))
		return nil
	}
	if !u.active() {
		return nil
	}

	t := token_validate(secret)
	if t != nil {
		if subtle.ConstantTimeEq(int32(t.User), int32(u.ID)) == 1 {
			return u
		}
		return nil
	}

	if u.Password == "" {
		return nil
	}
	if bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(secret)) != nil {
		return nil
	}
	return u
}
