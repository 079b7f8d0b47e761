// Forge server: Utilities
// Copyright Alistair Cunningham 2024-2025

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"github.com/google/uuid"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	locks              = map[string]*sync.Mutex{}
	locks_lock         sync.Mutex
	match_hyphens      = regexp.MustCompile(`-`)
	match_non_controls = regexp.MustCompile("^[\\P{Cc}\\r\\n]*$")
)

func atoi(s string, def int) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}

func json_encode(in any) string {
	return string(must(json.Marshal(in)))
}

func lock(key string) *sync.Mutex {
	locks_lock.Lock()
	defer locks_lock.Unlock()

	_, found := locks[key]
	if !found {
		locks[key] = &sync.Mutex{}
	}

	return locks[key]
}

func must[T any](v T, errors ...error) T {
	if len(errors) == 0 {
		switch e := any(v).(type) {
		case error:
			if e == nil {
				return v
			}
		default:
			return v
		}
		panic(v)
	}
	err := errors[0]
	if err != nil {
		panic(err)
	}
	return v
}

func now() int64 {
	return time.Now().Unix()
}

func uid() string {
	u := must(uuid.NewV7())
	return match_hyphens.ReplaceAllLiteralString(u.String(), "")
}

// Check if URL targets cloud metadata service (SSRF protection)
func url_is_cloud_metadata(url string) bool {
	return strings.Contains(url, "169.254.169.254") ||
		strings.Contains(url, "metadata.google.internal")
}

// Make an HTTP request to a URL
func url_request(ctx context.Context, method string, url string, headers map[string]string, body any, timeout time.Duration) (*http.Response, error) {
	if url_is_cloud_metadata(url) {
		return nil, fmt.Errorf("access to cloud metadata service is blocked")
	}

	if method == "" {
		method = "GET"
	}
	if headers == nil {
		headers = map[string]string{}
	}

	var br io.Reader
	if body != nil {
		switch b := body.(type) {
		case io.Reader:
			br = b

		case string:
			br = strings.NewReader(b)

		case []byte:
			br = bytes.NewReader(b)

		default:
			br = strings.NewReader(json_encode(b))
			_, found := headers["Content-Type"]
			if !found {
				headers["Content-Type"] = "application/json"
			}
		}
	}

	r, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), url, br)
	if err != nil {
		return nil, err
	}

	for k, v := range headers {
		r.Header.Set(k, v)
	}

	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &http.Client{Timeout: timeout}
	return c.Do(r)
}

func valid(s string, match string) bool {
	if !match_non_controls.MatchString(s) {
		return false
	}

	switch match {
	case "email":
		return email_valid(s)
	case "handle":
		match = "^[0-9a-zA-Z_][0-9a-zA-Z_.-]{0,99}$"
		if strings.HasSuffix(s, ".git") {
			return false
		}
	case "hash":
		match = "^[0-9a-f]{40}$"
	case "token_hash":
		match = "^[0-9a-f]{64}$"
	case "natural":
		match = "^\\d{1,9}$"
	case "ref":
		// git check-ref-format, approximately
		if s == "" || strings.Contains(s, "..") || strings.Contains(s, "//") || strings.HasSuffix(s, "/") || strings.HasSuffix(s, ".lock") {
			return false
		}
		match = "^[^\\s~^:?*\\[\\\\]{1,255}$"
	case "username":
		match = "^[0-9a-zA-Z_][0-9a-zA-Z_.-]{0,63}$"
	case "visibility":
		match = "^(public|private)$"
	}

	return must(regexp.MatchString(match, s))
}
