// Forge server: API tokens
// Copyright Alistair Cunningham 2025

package main

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Token represents an API token, usable in place of a password for Git over HTTP
type Token struct {
	Hash    string `db:"hash"`
	User    int    `db:"user"`
	Name    string `db:"name"`
	Created int64  `db:"created"`
	Used    int64  `db:"used"`
	Expires int64  `db:"expires"`
}

const token_prefix = "forge-"

// Generate a new token with the format forge-xxxxxxxxxxxxxxxxxxxx
func token_generate() string {
	bytes := make([]byte, 20)
	_, err := rand.Read(bytes)
	if err != nil {
		return ""
	}
	return token_prefix + hex.EncodeToString(bytes)
}

// Return the SHA256 hash of a token for storage
func token_hash(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// Create a new token for a user and return the plaintext token
func token_create(user int, name string, expires int64) string {
	token := token_generate()
	if token == "" {
		return ""
	}

	db := db_open("db/forge.db")
	db.exec("insert into tokens ( hash, user, name, created, used, expires ) values ( ?, ?, ?, ?, 0, ? )", token_hash(token), user, name, now(), expires)
	return token
}

// Delete a token by its hash
func token_delete(hash string) {
	db := db_open("db/forge.db")
	db.exec("delete from tokens where hash = ?", hash)
}

// Validate a token and return its info, or nil if invalid
func token_validate(token string) *Token {
	if len(token) <= len(token_prefix) || !strings.HasPrefix(token, token_prefix) {
		return nil
	}

	hash := token_hash(token)
	db := db_open("db/forge.db")

	var t Token
	if !db.scan(&t, "select hash, user, name, created, used, expires from tokens where hash = ?", hash) {
		return nil
	}

	// Check expiration (0 means no expiration)
	if t.Expires > 0 && now() > t.Expires {
		return nil
	}

	db.exec("update tokens set used = ? where hash = ?", now(), hash)
	return &t
}
