// Forge server: Repository store
// Copyright Alistair Cunningham 2025

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/storage/filesystem"
)

// RepositoryHandle refers to one bare repository on local disk. It is opened per operation and never shared across requests.
type RepositoryHandle struct {
	path string
}

// RepositoryStore maps projects to local bare repositories, materialising them from archive storage when needed
type RepositoryStore struct {
	root        string
	archives    archive_storage
	directory   project_directory
	compression string
}

var repositories *RepositoryStore

func (h *RepositoryHandle) open() (*git.Repository, error) {
	fs := osfs.New(h.path)
	if _, err := fs.Stat("HEAD"); err != nil {
		return nil, fmt.Errorf("%w: no repository at %q", error_corrupt_repository, h.path)
	}
	repo, err := git.Open(filesystem.NewStorage(fs, cache.NewObjectLRUDefault()), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", error_corrupt_repository, err)
	}
	return repo, nil
}

func (s *RepositoryStore) path(p *Project) string {
	return filepath.Join(s.root, p.ID+".git")
}

func (s *RepositoryStore) archive_key(p *Project) string {
	if s.compression == "zstd" {
		return fmt.Sprintf("%s/%s.tar.zst", p.ID, uid())
	}
	return fmt.Sprintf("%s/%s.tar.gz", p.ID, uid())
}

// Return a handle to the project's repository, fetching and extracting its archive if it isn't already on disk
func (s *RepositoryStore) resolve(ctx context.Context, p *Project) (*RepositoryHandle, error) {
	path := s.path(p)
	if file_exists(filepath.Join(path, "HEAD")) {
		return &RepositoryHandle{path: path}, nil
	}

	l := lock("repository/" + p.ID)
	l.Lock()
	defer l.Unlock()

	// Another request may have extracted it while we waited
	if file_exists(filepath.Join(path, "HEAD")) {
		return &RepositoryHandle{path: path}, nil
	}

	if p.Archive == "" {
		return nil, fmt.Errorf("%w: project %s has no archive", error_storage_unavailable, p)
	}
	if err := file_mkdir(s.root); err != nil {
		return nil, err
	}

	debug("Repository %s fetching archive %q", p, p.Archive)
	r, err := s.archives.fetch(ctx, p.Archive)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", error_storage_unavailable, err)
	}
	defer r.Close()

	tmp, err := os.CreateTemp(s.root, ".fetch-*")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	_, err = io.Copy(tmp, r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", error_storage_unavailable, err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp(s.root, ".extract-*")
	if err != nil {
		return nil, err
	}
	err = archive_extract(tmp, dir)
	if err == nil && !file_exists(filepath.Join(dir, "HEAD")) {
		err = fmt.Errorf("%w: archive has no HEAD", error_corrupt_archive)
	}
	if err != nil {
		file_delete_all(dir)
		if errors.Is(err, error_corrupt_archive) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", error_corrupt_archive, err)
	}

	file_delete_all(path)
	if err := os.Rename(dir, path); err != nil {
		file_delete_all(dir)
		return nil, err
	}

	info("Repository %s extracted to %q", p, path)
	return &RepositoryHandle{path: path}, nil
}

// Archive the repository as it is on disk, upload it, and point the project at the new archive
func (s *RepositoryStore) persist(ctx context.Context, p *Project) error {
	path := s.path(p)
	if !file_exists(filepath.Join(path, "HEAD")) {
		return fmt.Errorf("%w: no repository at %q", error_corrupt_repository, path)
	}

	tmp, err := os.CreateTemp(s.root, ".persist-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	err = archive_create(path, tmp, s.compression)
	if err != nil {
		return fmt.Errorf("unable to archive repository %s: %w", p, err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return err
	}

	previous := p.Archive
	key := s.archive_key(p)
	debug("Repository %s persisting %d bytes as %q", p, dir_size(path), key)
	err = s.archives.store(ctx, key, tmp)
	if err != nil {
		return fmt.Errorf("%w: %v", error_storage_unavailable, err)
	}

	err = s.directory.archive_set(p, key)
	if err != nil {
		s.archives.remove(ctx, key)
		return fmt.Errorf("unable to record archive for %s: %w", p, err)
	}

	if previous != "" && previous != key {
		err = s.archives.remove(ctx, previous)
		if err != nil {
			info("Repository %s unable to remove old archive %q: %v", p, previous, err)
		}
	}
	return nil
}

// Create a new bare repository for a project and persist it straight away
func (s *RepositoryStore) initialize(ctx context.Context, p *Project) (*RepositoryHandle, error) {
	path := s.path(p)
	if file_exists(filepath.Join(path, "HEAD")) {
		return nil, fmt.Errorf("%w: %s", error_repository_exists, p)
	}

	l := lock("repository/" + p.ID)
	l.Lock()
	defer l.Unlock()

	if err := file_mkdir(s.root); err != nil {
		return nil, err
	}

	branch := p.DefaultBranch
	if branch == "" {
		branch = "main"
	}
	_, err := git.PlainInitWithOptions(path, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.NewBranchReferenceName(branch)},
		Bare:        true,
	})
	if err != nil {
		file_delete_all(path)
		return nil, fmt.Errorf("unable to initialize repository for %s: %w", p, err)
	}

	err = s.persist(ctx, p)
	if err != nil {
		warn("Repository %s initialized but not persisted: %v", p, err)
	}

	info("Repository %s initialized at %q", p, path)
	return &RepositoryHandle{path: path}, nil
}

// Store configured from the [storage] section
func repositories_start() error {
	archives, err := archive_storage_configured()
	if err != nil {
		return err
	}
	repositories = &RepositoryStore{
		root:        ini_string("storage", "repositories", data_dir+"/repositories"),
		archives:    archives,
		directory:   directory,
		compression: ini_string("storage", "compression", "gzip"),
	}
	return file_mkdir(repositories.root)
}
