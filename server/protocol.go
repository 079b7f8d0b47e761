// Forge server: Git Smart HTTP protocol
// Copyright Alistair Cunningham 2025

package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	service_upload_pack  = "git-upload-pack"
	service_receive_pack = "git-receive-pack"
)

// git_protocol runs the Smart HTTP services against a bare repository on disk
type git_protocol interface {
	advertise(ctx context.Context, path string, service string, w io.Writer) error
	upload_pack(ctx context.Context, path string, body io.Reader, w io.Writer) error
	receive_pack(ctx context.Context, path string, body io.Reader, w io.Writer) error
}

var git_backend git_protocol = &git_protocol_native{binary: "git"}

// Passes writes straight through to the client, and cancels the service if the client goes away
type git_stream_writer struct {
	w      io.Writer
	cancel context.CancelFunc
}

func (s *git_stream_writer) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	if err != nil {
		s.cancel()
		return n, err
	}
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
	return n, nil
}

// Reads the request body, noting which branches the first chunk says are being updated
type git_sniff_reader struct {
	r        io.Reader
	sniffed  bool
	branches []string
}

func (s *git_sniff_reader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if !s.sniffed && n > 0 {
		s.sniffed = true
		s.branches = git_sniff_branches(p[:n])
	}
	return n, err
}

func git_service_valid(service string) bool {
	return service == service_upload_pack || service == service_receive_pack
}

// First packet of an info/refs response: "# service=<service>\n" as a pkt-line, then a flush packet
func git_pkt_header(service string) string {
	line := fmt.Sprintf("# service=%s\n", service)
	return fmt.Sprintf("%04x%s0000", len(line)+4, line)
}

// Branch names from the ref update commands at the start of a receive-pack request.
// This is a heuristic over the raw bytes: lines are split on newlines, and the third field of
// any line mentioning refs/heads/ is taken as the ref, cut at the capabilities NUL. Git doesn't
// end commands with newlines, so later commands in the same chunk can be missed, and pack data
// can produce false matches. A missed branch only means a pipeline isn't triggered.
func git_sniff_branches(chunk []byte) []string {
	var branches []string
	seen := map[string]bool{}
	for _, line := range bytes.Split(chunk, []byte("\n")) {
		if !bytes.Contains(line, []byte("refs/heads/")) {
			continue
		}
		parts := bytes.Fields(line)
		if len(parts) < 3 {
			continue
		}
		ref, _, _ := bytes.Cut(parts[2], []byte{0})
		name, found := bytes.CutPrefix(ref, []byte("refs/heads/"))
		if !found || len(name) == 0 {
			continue
		}
		branch := string(name)
		if !valid(branch, "ref") || seen[branch] {
			continue
		}
		seen[branch] = true
		branches = append(branches, branch)
	}
	return branches
}

func git_headers(w http.ResponseWriter, content_type string) {
	w.Header().Set("Content-Type", content_type)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
}

// Advertise the repository's refs for a service, as the response to GET info/refs
func git_advertise(ctx context.Context, path string, service string, w http.ResponseWriter) error {
	if !git_service_valid(service) {
		return fmt.Errorf("%w: %q", error_unknown_service, service)
	}

	git_headers(w, fmt.Sprintf("application/x-%s-advertisement", service))
	_, err := io.WriteString(w, git_pkt_header(service))
	if err != nil {
		return err
	}

	err = git_backend.advertise(ctx, path, service, w)
	if err != nil {
		warn("Git %s advertisement for %q failed: %v", service, path, err)
	}
	return err
}

// Serve a fetch or clone
func git_upload_pack(ctx context.Context, path string, body io.Reader, w http.ResponseWriter) error {
	git_headers(w, "application/x-git-upload-pack-result")
	err := git_backend.upload_pack(ctx, path, body, w)
	if err != nil {
		warn("Git upload-pack for %q failed: %v", path, err)
	}
	return err
}

// Serve a push. Once it has succeeded, the repository is persisted and a pipeline is dispatched for each updated branch.
// Failures after the push itself are logged, since the client has already been told the push worked.
func git_receive_pack(ctx context.Context, p *Project, u *User, path string, body io.Reader, w http.ResponseWriter) ([]string, error) {
	sniff := &git_sniff_reader{r: body}
	git_headers(w, "application/x-git-receive-pack-result")
	err := git_backend.receive_pack(ctx, path, sniff, w)
	if err != nil {
		warn("Git receive-pack for %s failed: %v", p, err)
		return sniff.branches, err
	}

	debug("Git push to %s by %q updated branches %v", p, u.Username, sniff.branches)
	audit_push(u.Username, p.String(), sniff.branches)
	after, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Minute)
	defer cancel()

	err = repositories.persist(after, p)
	if err != nil {
		warn("Git push to %s not persisted: %v", p, err)
	}
	for _, branch := range sniff.branches {
		err = pipelines.dispatch(after, p, u, branch)
		if err != nil {
			warn("Git push to %s unable to dispatch pipeline for branch %q: %v", p, branch, err)
		}
	}
	return sniff.branches, nil
}
