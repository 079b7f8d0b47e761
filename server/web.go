// Forge server: Web server and Git Smart HTTP routes
// Copyright Alistair Cunningham 2025

package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/acme/autocert"
)

// Public projects may be cloned without credentials
var web_anonymous_read = false

// Longest a Git request body may go without sending anything
var web_body_idle = time.Minute

func web_error(c *gin.Context, err error) {
	status := error_status(err)
	if status == http.StatusInternalServerError {
		warn("Web %s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
		c.AbortWithStatusJSON(status, gin.H{"error": "Internal server error"})
		return
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// Ask the client for Git credentials
func web_challenge(c *gin.Context) {
	c.Header("WWW-Authenticate", `Basic realm="Git Access"`)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": error_unauthorized.Error()})
}

// Deny a request, challenging for credentials if the client didn't supply any
func web_denied(c *gin.Context, u *User, err error) {
	if errors.Is(err, error_rate_limited) {
		web_error(c, err)
		return
	}
	if u == nil {
		web_challenge(c)
		return
	}
	audit_access_denied(u.Username, c.Request.URL.Path, c.Request.Method)
	web_error(c, error_forbidden)
}

// User from HTTP Basic credentials. Returns nil and error_unauthorized if there were none or they were wrong.
func web_authenticate(c *gin.Context) (*User, error) {
	username, secret, ok := c.Request.BasicAuth()
	if !ok || username == "" {
		return nil, error_unauthorized
	}

	ip := c.ClientIP()
	if rate_limit_login.blocked(ip) {
		audit_rate_limit(ip, "login")
		return nil, error_rate_limited
	}

	u := directory.authenticate(username, secret)
	if u == nil {
		rate_limit_login.allow(ip)
		debug("Web authentication failed for %q from %q", username, ip)
		audit_login_failed(username, ip, "invalid credentials")
		return nil, error_unauthorized
	}
	rate_limit_login.reset(ip)
	return u, nil
}

// Project named in the URL, whose repository name may end in .git
func web_project(c *gin.Context) (*Project, error) {
	return directory.project(c.Param("namespace"), strings.TrimSuffix(c.Param("repo"), ".git"))
}

// Pushes the connection's read deadline forward before each read, so a stalled client fails the read
type web_deadline_reader struct {
	r    io.Reader
	rc   *http.ResponseController
	idle time.Duration
}

func (d *web_deadline_reader) Read(p []byte) (int, error) {
	d.rc.SetReadDeadline(time.Now().Add(d.idle))
	return d.r.Read(p)
}

// Request body with any content encoding removed
func web_body(c *gin.Context) (io.Reader, func(), error) {
	var raw io.Reader = c.Request.Body
	if web_body_idle > 0 {
		raw = &web_deadline_reader{r: c.Request.Body, rc: http.NewResponseController(c.Writer), idle: web_body_idle}
	}

	switch strings.ToLower(c.GetHeader("Content-Encoding")) {
	case "", "identity":
		return raw, func() {}, nil

	case "gzip", "x-gzip":
		r, err := gzip.NewReader(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid gzip body: %w", err)
		}
		return r, func() { r.Close() }, nil

	case "zstd":
		r, err := zstd.NewReader(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid zstd body: %w", err)
		}
		return r, r.Close, nil
	}
	return nil, nil, fmt.Errorf("unsupported content encoding %q", c.GetHeader("Content-Encoding"))
}

// GET /:namespace/:repo/info/refs?service=
func web_git_info_refs(c *gin.Context) {
	service := c.Query("service")

	// Credentials come before anything that touches a repository
	u, err := web_authenticate(c)
	if err != nil && !(errors.Is(err, error_unauthorized) && web_anonymous_read && service == service_upload_pack) {
		web_denied(c, nil, err)
		return
	}

	if !git_service_valid(service) {
		web_error(c, fmt.Errorf("%w: %q", error_unknown_service, service))
		return
	}

	p, err := web_project(c)
	if err != nil {
		web_error(c, err)
		return
	}

	need := access_read
	if service == service_receive_pack {
		need = access_write
	}
	if directory.permission(p, u) < need {
		web_denied(c, u, nil)
		return
	}

	h, err := repositories.resolve(c.Request.Context(), p)
	if err != nil {
		web_error(c, err)
		return
	}

	// Failures once streaming has started are logged, and the client sees them in the protocol itself
	git_advertise(c.Request.Context(), h.path, service, c.Writer)
}

// POST /:namespace/:repo/git-upload-pack
func web_git_upload_pack(c *gin.Context) {
	u, err := web_authenticate(c)
	if err != nil && !errors.Is(err, error_unauthorized) {
		web_denied(c, nil, err)
		return
	}
	if u == nil && c.GetHeader("Authorization") != "" {
		web_challenge(c)
		return
	}

	p, err := web_project(c)
	if err != nil {
		web_error(c, err)
		return
	}
	if directory.permission(p, u) < access_read {
		web_denied(c, u, nil)
		return
	}

	body, done, err := web_body(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer done()

	h, err := repositories.resolve(c.Request.Context(), p)
	if err != nil {
		web_error(c, err)
		return
	}
	git_upload_pack(c.Request.Context(), h.path, body, c.Writer)
}

// POST /:namespace/:repo/git-receive-pack
func web_git_receive_pack(c *gin.Context) {
	u, err := web_authenticate(c)
	if err != nil {
		web_denied(c, nil, err)
		return
	}

	p, err := web_project(c)
	if err != nil {
		web_error(c, err)
		return
	}
	if directory.permission(p, u) < access_write {
		web_denied(c, u, nil)
		return
	}

	body, done, err := web_body(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer done()

	l := lock("mutate/" + p.ID)
	l.Lock()
	defer l.Unlock()

	h, err := repositories.resolve(c.Request.Context(), p)
	if err != nil {
		web_error(c, err)
		return
	}
	git_receive_pack(c.Request.Context(), p, u, h.path, body, c.Writer)
}

func web_health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Log requests through the server's own logger
func web_logger(c *gin.Context) {
	c.Next()
	debug("Web %s %s %d from %q", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), c.ClientIP())
}

func web_router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(web_logger)

	r.GET("/health", web_health)

	r.GET("/:namespace/:repo/info/refs", web_git_info_refs)
	r.POST("/:namespace/:repo/git-upload-pack", web_git_upload_pack)
	r.POST("/:namespace/:repo/git-receive-pack", web_git_receive_pack)

	api_routes(r.Group("/api/repositories/:namespace/:repo", rate_limit_api_middleware))
	return r
}

// Serve HTTP, or HTTPS with certificates from Let's Encrypt if domains are configured
// Server with connection timeouts. Body reads are also bounded by web_body_idle.
func web_server(address string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              address,
		Handler:           handler,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       ini_seconds("server", "read_timeout", 3600),
		IdleTimeout:       ini_seconds("server", "idle_timeout", 120),
	}
}

func web_start(listen string, port int, domains []string) {
	gin.SetMode(gin.ReleaseMode)
	r := web_router()

	if len(domains) > 0 {
		info("Web listening on HTTPS for domains %v", domains)
		m := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(domains...),
			Cache:      autocert.DirCache(filepath.Join(data_dir, "certificates")),
		}

		// Port 80 answers ACME challenges and redirects everything else to HTTPS
		go func() {
			err := web_server(":http", m.HTTPHandler(nil)).ListenAndServe()
			if err != nil {
				panic(fmt.Sprintf("Web unable to serve HTTP challenges: %v", err))
			}
		}()

		s := web_server(":https", r)
		s.TLSConfig = m.TLSConfig()
		err := s.ListenAndServeTLS("", "")
		if err != nil {
			panic(fmt.Sprintf("Web unable to serve HTTPS: %v", err))
		}
		return
	}

	address := fmt.Sprintf("%s:%d", listen, port)
	info("Web listening on %q", address)
	err := web_server(address, r).ListenAndServe()
	if err != nil {
		panic(fmt.Sprintf("Web unable to listen on %q: %v", address, err))
	}
}
