// Forge server: Rate limiting
// Copyright Alistair Cunningham 2025

package main

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

type rate_limit_entry struct {
	count int
	reset int64
}

// Fixed window counter per key
type rate_limiter struct {
	entries map[string]*rate_limit_entry
	lock    sync.Mutex
	limit   int
	window  int64
}

var (
	// API requests per client per minute
	rate_limit_api = rate_limiter_new(1000, 60)

	// Failed logins per client per five minutes
	rate_limit_login = rate_limiter_new(20, 300)
)

func rate_limiter_new(limit int, window int64) *rate_limiter {
	return &rate_limiter{entries: map[string]*rate_limit_entry{}, limit: limit, window: window}
}

// Count a request, returning false if the key is over its limit
func (r *rate_limiter) allow(key string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	now := now()
	e := r.entries[key]
	if e == nil || now >= e.reset {
		r.entries[key] = &rate_limit_entry{count: 1, reset: now + r.window}
		return true
	}
	if e.count >= r.limit {
		return false
	}
	e.count++
	return true
}

// Whether the key is currently over its limit, without counting
func (r *rate_limiter) blocked(key string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	e := r.entries[key]
	return e != nil && now() < e.reset && e.count >= r.limit
}

func (r *rate_limiter) reset(key string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	delete(r.entries, key)
}

func (r *rate_limiter) cleanup() {
	r.lock.Lock()
	defer r.lock.Unlock()

	now := now()
	for key, e := range r.entries {
		if now >= e.reset {
			delete(r.entries, key)
		}
	}
}

func rate_limit_api_middleware(c *gin.Context) {
	if !rate_limit_api.allow(c.ClientIP()) {
		debug("Rate limit exceeded for API by %q", c.ClientIP())
		audit_rate_limit(c.ClientIP(), "api")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded. Please try again later."})
		return
	}
	c.Next()
}

// Apply configured limits. Call before serving any requests.
func ratelimit_configure() {
	rate_limit_api.limit = ini_int("ratelimit", "api", rate_limit_api.limit)
	rate_limit_login.limit = ini_int("ratelimit", "login", rate_limit_login.limit)
}

// Remove expired entries every minute
func ratelimit_manager() {
	for range time.Tick(time.Minute) {
		rate_limit_api.cleanup()
		rate_limit_login.cleanup()
	}
}
