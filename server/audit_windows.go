//go:build windows

// Forge server: Audit logging (Windows implementation using file logging)
// Copyright Alistair Cunningham 2025

package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	audit_file   *os.File
	audit_logger *log.Logger
	audit_mutex  sync.Mutex
)

// Initialize audit logging to file
func audit_init() {
	audit_mutex.Lock()
	defer audit_mutex.Unlock()

	log_path := filepath.Join(data_dir, "audit.log")
	file_mkdir(filepath.Dir(log_path))

	var err error
	audit_file, err = os.OpenFile(log_path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		warn("Failed to initialize audit log file: %v", err)
		return
	}

	audit_logger = log.New(audit_file, "", 0)
}

func audit_close() {
	audit_mutex.Lock()
	defer audit_mutex.Unlock()

	if audit_file != nil {
		audit_file.Close()
		audit_file = nil
	}
}

// audit_write writes a message to the audit log with timestamp and facility
func audit_write(facility string, msg string) {
	audit_mutex.Lock()
	defer audit_mutex.Unlock()

	if audit_logger != nil {
		timestamp := time.Now().Format("2006-01-02 15:04:05")
		audit_logger.Printf("%s [%s] %s", timestamp, facility, msg)
	}
}

func audit_login_failed(user string, ip string, reason string) {
	audit_write("AUTH", fmt.Sprintf("login_failed user=%s ip=%s reason=%s", user, ip, reason))
}

func audit_access_denied(user string, resource string, operation string) {
	audit_write("AUTH", fmt.Sprintf("access_denied user=%s resource=%s operation=%s", user, resource, operation))
}

func audit_rate_limit(ip string, limiter string) {
	audit_write("AUTH", fmt.Sprintf("rate_limit ip=%s limiter=%s", ip, limiter))
}

func audit_server_start(backend string) {
	audit_write("DAEMON", fmt.Sprintf("server_start backend=%s", backend))
}

func audit_push(user string, project string, branches []string) {
	audit_write("OPS", fmt.Sprintf("push user=%s project=%s branches=%v", user, project, branches))
}

func audit_merge(user string, project string, source string, target string, commit string) {
	audit_write("OPS", fmt.Sprintf("merge user=%s project=%s source=%s target=%s commit=%s", user, project, source, target, commit))
}

func audit_repository_initialized(user string, project string) {
	audit_write("OPS", fmt.Sprintf("repository_initialized user=%s project=%s", user, project))
}
