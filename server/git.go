// Forge server: Git repository introspection
// Copyright Alistair Cunningham 2025

package main

import (
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

type CommitInfo struct {
	Hash        string    `json:"hash"`
	Timestamp   time.Time `json:"timestamp"`
	Message     string    `json:"message"`
	AuthorName  string    `json:"author_name"`
	AuthorEmail string    `json:"author_email"`
}

type TreeEntry struct {
	Name       string      `json:"name"`
	Path       string      `json:"path"`
	Kind       string      `json:"kind"`
	ID         string      `json:"id"`
	Size       int64       `json:"size,omitempty"`
	Language   string      `json:"language,omitempty"`
	LastCommit *CommitInfo `json:"last_commit"`
}

type BlobContent struct {
	Name       string      `json:"name"`
	Path       string      `json:"path"`
	ID         string      `json:"id"`
	Size       int64       `json:"size"`
	Content    []byte      `json:"-"`
	Binary     bool        `json:"binary"`
	Encoding   string      `json:"encoding"`
	Code       string      `json:"code,omitempty"`
	Language   string      `json:"language"`
	LastCommit *CommitInfo `json:"last_commit"`
}

// Identity of a tree entry for change detection
type git_entry_id struct {
	hash plumbing.Hash
	mode filemode.FileMode
}

func git_commit_info(c *object.Commit) *CommitInfo {
	subject, _, _ := strings.Cut(strings.TrimSpace(c.Message), "\n")
	return &CommitInfo{
		Hash:        c.Hash.String(),
		Timestamp:   time.Unix(c.Committer.When.Unix(), 0).UTC(),
		Message:     strings.TrimSpace(subject),
		AuthorName:  c.Author.Name,
		AuthorEmail: c.Author.Email,
	}
}

func git_path_segments(p string) []string {
	var out []string
	for _, s := range strings.Split(p, "/") {
		if s != "" && s != "." {
			out = append(out, s)
		}
	}
	return out
}

// Resolve a branch, tag, or full commit id to a commit. Branches win over tags of the same name.
func git_resolve(repo *git.Repository, ref string) (*object.Commit, error) {
	if ref == "" {
		return nil, fmt.Errorf("%w: empty ref", error_ref_not_found)
	}
	if !valid(ref, "ref") {
		return nil, fmt.Errorf("%w: %q", error_ref_not_found, ref)
	}

	var hash plumbing.Hash
	switch {
	case ref == "HEAD":
		head, err := repo.Head()
		if err != nil {
			return nil, fmt.Errorf("%w: HEAD", error_ref_not_found)
		}
		hash = head.Hash()

	default:
		r, err := repo.Reference(plumbing.NewBranchReferenceName(ref), true)
		if err != nil {
			r, err = repo.Reference(plumbing.NewTagReferenceName(ref), true)
		}
		if err == nil {
			hash = r.Hash()
		} else if valid(ref, "hash") {
			hash = plumbing.NewHash(ref)
		} else {
			return nil, fmt.Errorf("%w: %s", error_ref_not_found, ref)
		}
	}

	// Annotated tags point at tag objects, possibly nested
	for i := 0; i < 10; i++ {
		tag, err := repo.TagObject(hash)
		if err != nil {
			break
		}
		hash = tag.Target
	}

	c, err := repo.CommitObject(hash)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", error_ref_not_found, ref)
	}
	return c, nil
}

func git_tree_entry(t *object.Tree, name string) *object.TreeEntry {
	for i := range t.Entries {
		if t.Entries[i].Name == name {
			return &t.Entries[i]
		}
	}
	return nil
}

// Walk from a root tree to the directory at p
func git_tree_walk(repo *git.Repository, root *object.Tree, p string) (*object.Tree, error) {
	tree := root
	for _, s := range git_path_segments(p) {
		e := git_tree_entry(tree, s)
		if e == nil {
			return nil, fmt.Errorf("%w: %s", error_path_not_found, p)
		}
		if e.Mode != filemode.Dir {
			return nil, fmt.Errorf("%w: %s", error_not_a_directory, p)
		}
		next, err := repo.TreeObject(e.Hash)
		if err != nil {
			return nil, fmt.Errorf("%w: tree %s: %v", error_corrupt_repository, e.Hash, err)
		}
		tree = next
	}
	return tree, nil
}

// Entries of directory dir in commit c, keyed by name, with the directory's own tree hash.
// A missing directory has no entries and a zero hash.
func git_dir_entries(c *object.Commit, dir string) (map[string]git_entry_id, plumbing.Hash) {
	tree, err := c.Tree()
	if err != nil {
		return nil, plumbing.ZeroHash
	}
	if dir != "" {
		tree, err = tree.Tree(dir)
		if err != nil {
			return nil, plumbing.ZeroHash
		}
	}

	entries := make(map[string]git_entry_id, len(tree.Entries))
	for _, e := range tree.Entries {
		entries[e.Name] = git_entry_id{hash: e.Hash, mode: e.Mode}
	}
	return entries, tree.Hash
}

// Find the commit that last touched each named entry of dir.
// One walk down first-parent history serves the whole listing, rather than a walk per entry,
// and stops as soon as every entry is accounted for. Entries never seen to change get the tip.
func git_last_commits(tip *object.Commit, dir string, names []string) map[string]*object.Commit {
	found := make(map[string]*object.Commit, len(names))
	pending := make(map[string]bool, len(names))
	for _, n := range names {
		pending[n] = true
	}

	c := tip
	entries, hash := git_dir_entries(c, dir)
	for len(pending) > 0 {
		if c.NumParents() == 0 {
			for n := range pending {
				found[n] = c
				delete(pending, n)
			}
			break
		}

		parent, err := c.Parent(0)
		if err != nil {
			break
		}
		parent_entries, parent_hash := git_dir_entries(parent, dir)
		if parent_hash != hash {
			for n := range pending {
				if entries[n] != parent_entries[n] {
					found[n] = c
					delete(pending, n)
				}
			}
		}
		c, entries, hash = parent, parent_entries, parent_hash
	}

	for n := range pending {
		found[n] = tip
	}
	return found
}

func git_kind(mode filemode.FileMode) string {
	switch mode {
	case filemode.Dir:
		return "tree"
	case filemode.Submodule:
		return "commit"
	}
	return "blob"
}

// Sort directories first, then by case-insensitive name
func git_sort_entries(entries []TreeEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		ti, tj := entries[i].Kind == "tree", entries[j].Kind == "tree"
		if ti != tj {
			return ti
		}
		li, lj := strings.ToLower(entries[i].Name), strings.ToLower(entries[j].Name)
		if li != lj {
			return li < lj
		}
		return entries[i].Name < entries[j].Name
	})
}

func git_refs(h *RepositoryHandle, prefix string) ([]string, error) {
	repo, err := h.open()
	if err != nil {
		return nil, err
	}
	refs, err := repo.References()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", error_corrupt_repository, err)
	}
	defer refs.Close()

	names := []string{}
	err = refs.ForEach(func(r *plumbing.Reference) error {
		name := r.Name().String()
		if strings.HasPrefix(name, prefix) {
			names = append(names, strings.TrimPrefix(name, prefix))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", error_corrupt_repository, err)
	}
	sort.Strings(names)
	return names, nil
}

func git_branches(h *RepositoryHandle) ([]string, error) {
	return git_refs(h, "refs/heads/")
}

func git_tags(h *RepositoryHandle) ([]string, error) {
	return git_refs(h, "refs/tags/")
}

// List the directory at p in ref, with the last commit to touch each entry
func git_tree(h *RepositoryHandle, ref string, p string) ([]TreeEntry, error) {
	repo, err := h.open()
	if err != nil {
		return nil, err
	}
	tip, err := git_resolve(repo, ref)
	if err != nil {
		return nil, err
	}
	root, err := tip.Tree()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", error_corrupt_repository, err)
	}
	tree, err := git_tree_walk(repo, root, p)
	if err != nil {
		return nil, err
	}

	dir := strings.Join(git_path_segments(p), "/")
	names := make([]string, len(tree.Entries))
	for i, e := range tree.Entries {
		names[i] = e.Name
	}
	last := git_last_commits(tip, dir, names)

	entries := make([]TreeEntry, 0, len(tree.Entries))
	for _, e := range tree.Entries {
		te := TreeEntry{
			Name:       e.Name,
			Path:       path.Join(dir, e.Name),
			Kind:       git_kind(e.Mode),
			ID:         e.Hash.String(),
			LastCommit: git_commit_info(last[e.Name]),
		}
		if te.Kind == "blob" {
			te.Language = git_language(e.Name)
			blob, err := repo.BlobObject(e.Hash)
			if err != nil {
				return nil, fmt.Errorf("%w: blob %s: %v", error_corrupt_repository, e.Hash, err)
			}
			te.Size = blob.Size
		}
		entries = append(entries, te)
	}

	git_sort_entries(entries)
	return entries, nil
}

// Get the blob at p in ref
func git_blob(h *RepositoryHandle, ref string, p string) (*BlobContent, error) {
	repo, err := h.open()
	if err != nil {
		return nil, err
	}
	tip, err := git_resolve(repo, ref)
	if err != nil {
		return nil, err
	}
	root, err := tip.Tree()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", error_corrupt_repository, err)
	}

	segments := git_path_segments(p)
	if len(segments) == 0 {
		return nil, fmt.Errorf("%w: repository root", error_not_a_blob)
	}
	dir := strings.Join(segments[:len(segments)-1], "/")
	name := segments[len(segments)-1]

	tree, err := git_tree_walk(repo, root, dir)
	if err != nil {
		return nil, err
	}
	e := git_tree_entry(tree, name)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", error_path_not_found, p)
	}
	if git_kind(e.Mode) != "blob" {
		return nil, fmt.Errorf("%w: %s", error_not_a_blob, p)
	}

	blob, err := repo.BlobObject(e.Hash)
	if err != nil {
		return nil, fmt.Errorf("%w: blob %s: %v", error_corrupt_repository, e.Hash, err)
	}
	r, err := blob.Reader()
	if err != nil {
		return nil, fmt.Errorf("%w: blob %s: %v", error_corrupt_repository, e.Hash, err)
	}
	defer r.Close()
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: blob %s: %v", error_corrupt_repository, e.Hash, err)
	}

	last := git_last_commits(tip, dir, []string{name})
	b := &BlobContent{
		Name:       name,
		Path:       strings.Join(segments, "/"),
		ID:         e.Hash.String(),
		Size:       blob.Size,
		Content:    content,
		Binary:     git_binary(content),
		Encoding:   "utf-8",
		Language:   git_language(name),
		LastCommit: git_commit_info(last[name]),
	}
	if b.Binary {
		b.Encoding = "binary"
	} else {
		b.Code = strings.ToValidUTF8(string(content), "�")
	}
	return b, nil
}

// Get the blob at p in ref for a text preview; binary blobs give nil
func git_blob_preview(h *RepositoryHandle, ref string, p string) (*BlobContent, error) {
	b, err := git_blob(h, ref, p)
	if err != nil || b.Binary {
		return nil, err
	}
	return b, nil
}

// Content is binary if it has a NUL byte, as git itself decides
func git_binary(content []byte) bool {
	for _, c := range content {
		if c == 0 {
			return true
		}
	}
	return false
}

// Commit history from ref, newest first by committer time, following all parents
func git_commits(h *RepositoryHandle, ref string, limit int, skip int) ([]CommitInfo, error) {
	repo, err := h.open()
	if err != nil {
		return nil, err
	}
	tip, err := git_resolve(repo, ref)
	if err != nil {
		return nil, err
	}

	iter, err := repo.Log(&git.LogOptions{From: tip.Hash, Order: git.LogOrderCommitterTime})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", error_corrupt_repository, err)
	}
	defer iter.Close()

	commits := []CommitInfo{}
	seen := 0
	err = iter.ForEach(func(c *object.Commit) error {
		seen++
		if seen <= skip {
			return nil
		}
		if limit > 0 && len(commits) >= limit {
			return storer.ErrStop
		}
		commits = append(commits, *git_commit_info(c))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", error_corrupt_repository, err)
	}
	return commits, nil
}

// Number of commits reachable from ref
func git_commits_count(h *RepositoryHandle, ref string) (int, error) {
	repo, err := h.open()
	if err != nil {
		return 0, err
	}
	tip, err := git_resolve(repo, ref)
	if err != nil {
		return 0, err
	}

	iter, err := repo.Log(&git.LogOptions{From: tip.Hash})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", error_corrupt_repository, err)
	}
	defer iter.Close()

	count := 0
	err = iter.ForEach(func(*object.Commit) error {
		count++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", error_corrupt_repository, err)
	}
	return count, nil
}

// Split "ref/with/slashes/path/to/file" into a ref and a path, preferring the longest ref that resolves
func git_resolve_ref_and_path(h *RepositoryHandle, compound string) (string, string, error) {
	repo, err := h.open()
	if err != nil {
		return "", "", err
	}

	segments := git_path_segments(compound)
	for i := len(segments); i > 0; i-- {
		ref := strings.Join(segments[:i], "/")
		_, err := git_resolve(repo, ref)
		if err == nil {
			return ref, strings.Join(segments[i:], "/"), nil
		}
		if !errors.Is(err, error_ref_not_found) {
			return "", "", err
		}
	}
	return "", "", fmt.Errorf("%w: %q", error_unresolvable_ref, compound)
}
