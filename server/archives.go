// Forge server: Repository archives and archive storage
// Copyright Alistair Cunningham 2025

package main

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// archive_storage holds compressed repository snapshots keyed by name
type archive_storage interface {
	fetch(ctx context.Context, key string) (io.ReadCloser, error)
	store(ctx context.Context, key string, r io.Reader) error
	remove(ctx context.Context, key string) error
}

var error_archive_missing = errors.New("archive does not exist")

var (
	magic_gzip = []byte{0x1f, 0x8b}
	magic_zstd = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// Archives kept in a directory, on local disk or a network mount
type archive_storage_files struct {
	dir string
}

func (s *archive_storage_files) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid archive key %q", key)
	}
	return filepath.Join(s.dir, clean), nil
}

func (s *archive_storage_files) fetch(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", error_archive_missing, key)
	}
	return f, err
}

func (s *archive_storage_files) store(ctx context.Context, key string, r io.Reader) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	return file_write_atomic(path, r)
}

func (s *archive_storage_files) remove(ctx context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Archives kept behind an HTTP object store gateway which supports GET, PUT, and DELETE
type archive_storage_http struct {
	base    string
	token   string
	timeout time.Duration
}

func (s *archive_storage_http) url(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.TrimSuffix(s.base, "/") + "/" + strings.Join(parts, "/")
}

func (s *archive_storage_http) headers() map[string]string {
	h := map[string]string{}
	if s.token != "" {
		h["Authorization"] = "Bearer " + s.token
	}
	return h
}

func (s *archive_storage_http) fetch(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := url_request(ctx, "GET", s.url(key), s.headers(), nil, s.timeout)
	if err != nil {
		return nil, err
	}
	if r.StatusCode == http.StatusNotFound {
		r.Body.Close()
		return nil, fmt.Errorf("%w: %s", error_archive_missing, key)
	}
	if r.StatusCode != http.StatusOK {
		r.Body.Close()
		return nil, fmt.Errorf("archive fetch %q returned status %d", key, r.StatusCode)
	}
	return r.Body, nil
}

func (s *archive_storage_http) store(ctx context.Context, key string, r io.Reader) error {
	h := s.headers()
	h["Content-Type"] = "application/octet-stream"
	resp, err := url_request(ctx, "PUT", s.url(key), h, r, s.timeout)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("archive store %q returned status %d", key, resp.StatusCode)
	}
	return nil
}

func (s *archive_storage_http) remove(ctx context.Context, key string) error {
	resp, err := url_request(ctx, "DELETE", s.url(key), s.headers(), nil, s.timeout)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound || (resp.StatusCode >= 200 && resp.StatusCode <= 299) {
		return nil
	}
	return fmt.Errorf("archive remove %q returned status %d", key, resp.StatusCode)
}

// Storage backend chosen by the [storage] section
func archive_storage_configured() (archive_storage, error) {
	switch backend := ini_string("storage", "backend", "files"); backend {
	case "files":
		return &archive_storage_files{dir: ini_string("storage", "directory", data_dir+"/archives")}, nil
	case "http":
		base := ini_string("storage", "url", "")
		if base == "" {
			return nil, fmt.Errorf("storage backend http requires a url")
		}
		return &archive_storage_http{base: base, token: ini_string("storage", "token", ""), timeout: ini_seconds("storage", "timeout", 300)}, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

// Write the contents of dir to w as a compressed tarball
func archive_create(dir string, w io.Writer, compression string) error {
	var cw io.WriteCloser
	switch compression {
	case "zstd":
		z, err := zstd.NewWriter(w)
		if err != nil {
			return err
		}
		cw = z
	default:
		cw = gzip.NewWriter(w)
	}

	tw := tar.NewWriter(cw)
	err := filepath.Walk(dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil || rel == "." {
			return err
		}
		if !fi.IsDir() && !fi.Mode().IsRegular() {
			return nil
		}

		h, err := tar.FileInfoHeader(fi, "")
		if err != nil {
			return err
		}
		h.Name = filepath.ToSlash(rel)
		if fi.IsDir() {
			h.Name += "/"
		}
		h.Uname, h.Gname = "", ""
		if err := tw.WriteHeader(h); err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		cw.Close()
		return err
	}
	if err := tw.Close(); err != nil {
		cw.Close()
		return err
	}
	return cw.Close()
}

// Extract a compressed tarball into destination, which must already exist
func archive_extract(r io.Reader, destination string) error {
	br := bufio.NewReader(r)
	head, _ := br.Peek(4)

	var dr io.Reader
	switch {
	case bytes.HasPrefix(head, magic_zstd):
		z, err := zstd.NewReader(br)
		if err != nil {
			return fmt.Errorf("%w: %v", error_corrupt_archive, err)
		}
		defer z.Close()
		dr = z
	case bytes.HasPrefix(head, magic_gzip):
		g, err := gzip.NewReader(br)
		if err != nil {
			return fmt.Errorf("%w: %v", error_corrupt_archive, err)
		}
		defer g.Close()
		dr = g
	default:
		return fmt.Errorf("%w: unknown compression", error_corrupt_archive)
	}

	root := filepath.Clean(destination) + string(os.PathSeparator)
	tr := tar.NewReader(dr)
	for {
		h, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %v", error_corrupt_archive, err)
		}

		path := filepath.Join(destination, filepath.FromSlash(h.Name))
		if !strings.HasPrefix(path+string(os.PathSeparator), root) || filepath.IsAbs(h.Name) {
			return fmt.Errorf("%w: invalid file path %q", error_corrupt_archive, h.Name)
		}

		switch h.Typeflag {
		case tar.TypeDir:
			if err := file_mkdir(path); err != nil {
				return err
			}

		case tar.TypeReg:
			if err := file_mkdir_for_file(path); err != nil {
				return err
			}
			f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(h.Mode)&0755|0600)
			if err != nil {
				return err
			}
			_, err = io.Copy(f, tr)
			f.Close()
			if err != nil {
				return fmt.Errorf("%w: %v", error_corrupt_archive, err)
			}

		default:
			return fmt.Errorf("%w: unsupported entry %q", error_corrupt_archive, h.Name)
		}
	}
}
