// Forge server: Pipeline dispatch and workflow files
// Copyright Alistair Cunningham 2025

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/golang-jwt/jwt/v5"
	"gopkg.in/yaml.v3"
)

// Workflow file at the root of a repository, describing the pipeline to run on push
const workflow_file = ".forge-workflow.yaml"

type Workflow struct {
	Name     string         `yaml:"name" json:"name"`
	Branches []string       `yaml:"branches" json:"branches,omitempty"`
	Steps    []WorkflowStep `yaml:"steps" json:"steps"`
}

type WorkflowStep struct {
	Name string            `yaml:"name" json:"name"`
	Run  string            `yaml:"run" json:"run"`
	Env  map[string]string `yaml:"env" json:"env,omitempty"`
}

type pipeline_dispatcher interface {
	dispatch(ctx context.Context, p *Project, u *User, branch string) error
}

// Dispatches only to the log, for deployments without a pipeline runner
type pipeline_dispatcher_log struct{}

// Posts each dispatch to a pipeline runner
type pipeline_dispatcher_http struct {
	url     string
	secret  []byte
	timeout time.Duration
}

type pipeline_claims struct {
	Project string `json:"project"`
	Branch  string `json:"branch"`
	jwt.RegisteredClaims
}

var pipelines pipeline_dispatcher = &pipeline_dispatcher_log{}

// Whether the workflow wants to run for a branch. No branch list means every branch.
func (w *Workflow) matches(branch string) bool {
	if len(w.Branches) == 0 {
		return true
	}
	for _, b := range w.Branches {
		if b == branch || b == "*" {
			return true
		}
	}
	return false
}

// The workflow at the root of ref's tree, or nil if there isn't one
func git_workflow(h *RepositoryHandle, ref string) (*Workflow, error) {
	repo, err := h.open()
	if err != nil {
		return nil, err
	}
	c, err := git_resolve(repo, ref)
	if err != nil {
		return nil, err
	}

	f, err := c.File(workflow_file)
	if errors.Is(err, object.ErrFileNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", error_corrupt_repository, err)
	}
	r, err := f.Reader()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", error_corrupt_repository, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", error_corrupt_repository, err)
	}

	var w Workflow
	err = yaml.Unmarshal(data, &w)
	if err != nil {
		return nil, fmt.Errorf("invalid %s at %s: %w", workflow_file, ref, err)
	}
	if w.Name == "" {
		w.Name = "default"
	}
	return &w, nil
}

// Details of a pushed branch sent to the pipeline runner. Nil if the branch no longer exists or its workflow doesn't want it.
func pipeline_event(ctx context.Context, p *Project, u *User, branch string) (map[string]any, error) {
	h, err := repositories.resolve(ctx, p)
	if err != nil {
		return nil, err
	}
	repo, err := h.open()
	if err != nil {
		return nil, err
	}
	c, err := git_resolve(repo, branch)
	if errors.Is(err, error_ref_not_found) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	w, err := git_workflow(h, c.Hash.String())
	if err != nil {
		warn("Pipeline for %s branch %q ignoring workflow: %v", p, branch, err)
		w = nil
	}
	if w != nil && !w.matches(branch) {
		return nil, nil
	}

	return map[string]any{
		"project":    p.ID,
		"namespace":  p.Namespace,
		"repository": p.Handle,
		"branch":     branch,
		"commit":     c.Hash.String(),
		"user":       u.Username,
		"workflow":   w,
	}, nil
}

func (d *pipeline_dispatcher_log) dispatch(ctx context.Context, p *Project, u *User, branch string) error {
	event, err := pipeline_event(ctx, p, u, branch)
	if err != nil || event == nil {
		return err
	}
	info("Pipeline for %s branch %q at %s pushed by %q", p, branch, event["commit"], u.Username)
	return nil
}

// Short-lived token identifying this server to the pipeline runner
func (d *pipeline_dispatcher_http) token(p *Project, branch string) (string, error) {
	claims := pipeline_claims{
		Project: p.String(),
		Branch:  branch,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "forge",
			IssuedAt:  jwt.NewNumericDate(time.Unix(now(), 0)),
			ExpiresAt: jwt.NewNumericDate(time.Unix(now()+300, 0)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(d.secret)
}

func (d *pipeline_dispatcher_http) dispatch(ctx context.Context, p *Project, u *User, branch string) error {
	event, err := pipeline_event(ctx, p, u, branch)
	if err != nil || event == nil {
		return err
	}

	headers := map[string]string{}
	if len(d.secret) > 0 {
		token, err := d.token(p, branch)
		if err != nil {
			return fmt.Errorf("unable to sign pipeline request: %w", err)
		}
		headers["Authorization"] = "Bearer " + token
	}

	resp, err := url_request(ctx, "POST", d.url, headers, event, d.timeout)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("pipeline runner returned %s", resp.Status)
	}
	debug("Pipeline for %s branch %q dispatched to %q", p, branch, d.url)
	return nil
}

// Choose the dispatcher from configuration
func pipelines_start() {
	url := ini_string("pipelines", "url", "")
	if url == "" {
		pipelines = &pipeline_dispatcher_log{}
		return
	}
	pipelines = &pipeline_dispatcher_http{
		url:     url,
		secret:  []byte(ini_string("pipelines", "secret", "")),
		timeout: ini_seconds("pipelines", "timeout", 30),
	}
	info("Pipelines dispatching to %q", url)
}
