// Forge server: Errors
// Copyright Alistair Cunningham 2025

package main

import (
	"errors"
	"net/http"
)

var (
	// Not found family
	error_ref_not_found     = errors.New("ref not found")
	error_path_not_found    = errors.New("path not found")
	error_project_not_found = errors.New("project not found")
	error_unresolvable_ref  = errors.New("unable to resolve ref from path")

	// Wrong object kind at a path
	error_not_a_directory = errors.New("not a directory")
	error_not_a_blob      = errors.New("not a blob")

	// Permission denied
	error_unauthorized = errors.New("authentication required")
	error_forbidden    = errors.New("permission denied")
	error_rate_limited = errors.New("too many failed attempts")

	// Invalid protocol request
	error_unknown_service = errors.New("unknown service")

	// Storage failure
	error_storage_unavailable = errors.New("archive storage unavailable")
	error_corrupt_archive     = errors.New("corrupt archive")

	// Repository state
	error_corrupt_repository = errors.New("corrupt repository")
	error_no_merge_base      = errors.New("branches have no common ancestor")
	error_repository_exists  = errors.New("repository already exists")
	error_subprocess         = errors.New("git subprocess failed")
)

// HTTP status for an error returned by the repository services
func error_status(err error) int {
	switch {
	case errors.Is(err, error_ref_not_found), errors.Is(err, error_path_not_found),
		errors.Is(err, error_project_not_found), errors.Is(err, error_unresolvable_ref),
		errors.Is(err, error_unknown_service):
		return http.StatusNotFound
	case errors.Is(err, error_not_a_directory), errors.Is(err, error_not_a_blob):
		return http.StatusBadRequest
	case errors.Is(err, error_unauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, error_forbidden):
		return http.StatusForbidden
	case errors.Is(err, error_rate_limited):
		return http.StatusTooManyRequests
	case errors.Is(err, error_no_merge_base), errors.Is(err, error_repository_exists):
		return http.StatusConflict
	case errors.Is(err, error_storage_unavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
