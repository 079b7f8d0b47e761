// Forge server: Repository browsing and merge API
// Copyright Alistair Cunningham 2025

package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

type api_merge_request struct {
	Source  string `json:"source" binding:"required"`
	Target  string `json:"target" binding:"required"`
	Message string `json:"message"`
}

func api_routes(g *gin.RouterGroup) {
	read := api_project(access_read, true)
	write := api_project(access_write, true)

	g.GET("/branches", read, api_branches)
	g.GET("/tags", read, api_tags)
	g.GET("/tree/*refpath", read, api_tree)
	g.GET("/blob/*refpath", read, api_blob)
	g.GET("/raw/*refpath", read, api_raw)
	g.GET("/commits/*ref", read, api_commits)
	g.GET("/compare", read, api_compare)
	g.GET("/conflict", read, api_conflict)
	g.GET("/workflow/*ref", read, api_workflow)
	g.POST("/merge", write, api_merge)
	g.POST("/initialize", api_project(access_admin, false), api_initialize)
}

// Middleware loading the project, checking the caller's access, and optionally resolving its repository
func api_project(need access_level, resolve bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, err := web_authenticate(c)
		if err != nil && (c.GetHeader("Authorization") != "" || !errors.Is(err, error_unauthorized)) {
			web_denied(c, nil, err)
			return
		}

		p, err := web_project(c)
		if err != nil {
			web_error(c, err)
			return
		}
		level := directory.permission(p, u)
		if level == access_none && !p.public() {
			// Don't reveal that a private project exists
			web_error(c, error_project_not_found)
			return
		}
		if level < need {
			web_denied(c, u, nil)
			return
		}

		c.Set("user", u)
		c.Set("project", p)
		if resolve {
			h, err := repositories.resolve(c.Request.Context(), p)
			if err != nil {
				web_error(c, err)
				return
			}
			c.Set("handle", h)
		}
		c.Next()
	}
}

func api_handle(c *gin.Context) *RepositoryHandle {
	return c.MustGet("handle").(*RepositoryHandle)
}

func api_user(c *gin.Context) *User {
	u, _ := c.MustGet("user").(*User)
	return u
}

func api_current_project(c *gin.Context) *Project {
	return c.MustGet("project").(*Project)
}

// Split a wildcard parameter into ref and path. An empty parameter means the root of the default branch.
func api_ref_and_path(c *gin.Context, param string) (string, string, error) {
	compound := strings.Trim(c.Param(param), "/")
	if compound == "" {
		return api_current_project(c).DefaultBranch, "", nil
	}
	return git_resolve_ref_and_path(api_handle(c), compound)
}

// A ref from a wildcard parameter, defaulting to the project's default branch
func api_ref(c *gin.Context, param string) string {
	ref := strings.Trim(c.Param(param), "/")
	if ref == "" {
		return api_current_project(c).DefaultBranch
	}
	return ref
}

func api_branches(c *gin.Context) {
	branches, err := git_branches(api_handle(c))
	if err != nil {
		web_error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"branches": branches, "default": api_current_project(c).DefaultBranch})
}

func api_tags(c *gin.Context) {
	tags, err := git_tags(api_handle(c))
	if err != nil {
		web_error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tags": tags})
}

func api_tree(c *gin.Context) {
	ref, p, err := api_ref_and_path(c, "refpath")
	if err != nil {
		web_error(c, err)
		return
	}
	entries, err := git_tree(api_handle(c), ref, p)
	if err != nil {
		web_error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ref": ref, "path": p, "entries": entries})
}

func api_blob(c *gin.Context) {
	ref, p, err := api_ref_and_path(c, "refpath")
	if err != nil {
		web_error(c, err)
		return
	}

	if c.Query("preview") != "" {
		b, err := git_blob_preview(api_handle(c), ref, p)
		if err != nil {
			web_error(c, err)
			return
		}
		if b == nil {
			c.Status(http.StatusNoContent)
			return
		}
		c.JSON(http.StatusOK, b)
		return
	}

	b, err := git_blob(api_handle(c), ref, p)
	if err != nil {
		web_error(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func api_raw(c *gin.Context) {
	ref, p, err := api_ref_and_path(c, "refpath")
	if err != nil {
		web_error(c, err)
		return
	}
	b, err := git_blob(api_handle(c), ref, p)
	if err != nil {
		web_error(c, err)
		return
	}
	c.Header("Content-Disposition", `inline; filename="`+strings.ReplaceAll(b.Name, `"`, "")+`"`)
	c.Header("X-Content-Type-Options", "nosniff")
	c.Data(http.StatusOK, "application/octet-stream", b.Content)
}

func api_commits(c *gin.Context) {
	h := api_handle(c)
	ref := api_ref(c, "ref")
	commits, err := git_commits(h, ref, atoi(c.Query("limit"), 50), atoi(c.Query("skip"), 0))
	if err != nil {
		web_error(c, err)
		return
	}
	count, err := git_commits_count(h, ref)
	if err != nil {
		web_error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"commits": commits, "count": count})
}

// Source and target refs from the query, both required
func api_source_target(c *gin.Context) (string, string, bool) {
	source := c.Query("source")
	target := c.Query("target")
	if source == "" || target == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "source and target are required"})
		return "", "", false
	}
	return source, target, true
}

func api_compare(c *gin.Context) {
	source, target, ok := api_source_target(c)
	if !ok {
		return
	}
	h := api_handle(c)

	changes, err := compare_diff(c.Request.Context(), h, source, target)
	if err != nil {
		web_error(c, err)
		return
	}
	commits, err := compare_commits(h, source, target)
	if err != nil {
		web_error(c, err)
		return
	}
	conflicts, err := compare_conflicts(c.Request.Context(), h, source, target)
	if err != nil {
		web_error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"changes": changes, "commits": commits, "conflicts": conflicts})
}

func api_conflict(c *gin.Context) {
	source, target, ok := api_source_target(c)
	if !ok {
		return
	}
	p := strings.Trim(c.Query("path"), "/")
	if p == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "path is required"})
		return
	}

	content, err := compare_conflict_lines(api_handle(c), source, target, p)
	if err != nil {
		web_error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": p, "content": content})
}

func api_workflow(c *gin.Context) {
	ref := api_ref(c, "ref")
	w, err := git_workflow(api_handle(c), ref)
	if err != nil {
		web_error(c, err)
		return
	}
	if w == nil {
		web_error(c, error_path_not_found)
		return
	}
	c.JSON(http.StatusOK, w)
}

func api_merge(c *gin.Context) {
	var req api_merge_request
	err := c.ShouldBindJSON(&req)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "source and target are required"})
		return
	}
	if !valid(req.Target, "ref") {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid target branch"})
		return
	}

	p := api_current_project(c)
	u := api_user(c)

	l := lock("mutate/" + p.ID)
	l.Lock()
	defer l.Unlock()

	outcome := merge_branches(c.Request.Context(), api_handle(c), req.Source, req.Target, u.Username, u.Email, req.Message)
	if outcome.Success && !outcome.UpToDate {
		audit_merge(u.Username, p.String(), req.Source, req.Target, outcome.Commit)

		// The merge has been pushed, so finish even if the client goes away
		after, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), 10*time.Minute)
		defer cancel()

		err = repositories.persist(after, p)
		if err != nil {
			warn("Merge into %s branch %q not persisted: %v", p, req.Target, err)
		}
		err = pipelines.dispatch(after, p, u, req.Target)
		if err != nil {
			warn("Merge into %s unable to dispatch pipeline for branch %q: %v", p, req.Target, err)
		}
	}
	c.JSON(http.StatusOK, outcome)
}

func api_initialize(c *gin.Context) {
	p := api_current_project(c)

	l := lock("mutate/" + p.ID)
	l.Lock()
	defer l.Unlock()

	_, err := repositories.initialize(c.Request.Context(), p)
	if err != nil {
		web_error(c, err)
		return
	}
	audit_repository_initialized(api_user(c).Username, p.String())
	c.JSON(http.StatusCreated, gin.H{"project": p.String(), "default_branch": p.DefaultBranch})
}
