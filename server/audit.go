//go:build !windows

// Forge server: Audit logging
// Copyright Alistair Cunningham 2025

package main

import (
	"fmt"
	"log/syslog"
)

var (
	audit_auth   *syslog.Writer // LOG_AUTH: authentication, authorization, security
	audit_daemon *syslog.Writer // LOG_DAEMON: service lifecycle
	audit_ops    *syslog.Writer // LOG_LOCAL0: repository changes
)

// Initialize audit logging writers
func audit_init() {
	var err error

	audit_auth, err = syslog.New(syslog.LOG_AUTH|syslog.LOG_INFO, "forge")
	if err != nil {
		warn("Failed to initialize auth audit log: %v", err)
	}

	audit_daemon, err = syslog.New(syslog.LOG_DAEMON|syslog.LOG_INFO, "forge")
	if err != nil {
		warn("Failed to initialize daemon audit log: %v", err)
	}

	audit_ops, err = syslog.New(syslog.LOG_LOCAL0|syslog.LOG_INFO, "forge")
	if err != nil {
		warn("Failed to initialize ops audit log: %v", err)
	}
}

func audit_close() {
	if audit_auth != nil {
		audit_auth.Close()
	}
	if audit_daemon != nil {
		audit_daemon.Close()
	}
	if audit_ops != nil {
		audit_ops.Close()
	}
}

// LOG_AUTH: Authentication, authorization, and security events

// audit_login_failed logs a failed Basic authentication attempt
func audit_login_failed(user string, ip string, reason string) {
	if audit_auth != nil {
		audit_auth.Info(fmt.Sprintf("login_failed user=%s ip=%s reason=%s", user, ip, reason))
	}
}

// audit_access_denied logs a request refused for lack of access
func audit_access_denied(user string, resource string, operation string) {
	if audit_auth != nil {
		audit_auth.Info(fmt.Sprintf("access_denied user=%s resource=%s operation=%s", user, resource, operation))
	}
}

// audit_rate_limit logs rate limit triggers
func audit_rate_limit(ip string, limiter string) {
	if audit_auth != nil {
		audit_auth.Info(fmt.Sprintf("rate_limit ip=%s limiter=%s", ip, limiter))
	}
}

// LOG_DAEMON: Service lifecycle events

func audit_server_start(backend string) {
	if audit_daemon != nil {
		audit_daemon.Info(fmt.Sprintf("server_start backend=%s", backend))
	}
}

// LOG_LOCAL0: Repository changes

// audit_push logs a completed push
func audit_push(user string, project string, branches []string) {
	if audit_ops != nil {
		audit_ops.Info(fmt.Sprintf("push user=%s project=%s branches=%v", user, project, branches))
	}
}

// audit_merge logs a merge through the API
func audit_merge(user string, project string, source string, target string, commit string) {
	if audit_ops != nil {
		audit_ops.Info(fmt.Sprintf("merge user=%s project=%s source=%s target=%s commit=%s", user, project, source, target, commit))
	}
}

// audit_repository_initialized logs creation of a new repository
func audit_repository_initialized(user string, project string) {
	if audit_ops != nil {
		audit_ops.Info(fmt.Sprintf("repository_initialized user=%s project=%s", user, project))
	}
}
