// Forge server: Branch merging
// Copyright Alistair Cunningham 2025

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
)

type MergeConflict struct {
	Path   string `json:"path"`
	Ours   string `json:"ours,omitempty"`
	Theirs string `json:"theirs,omitempty"`
}

type MergeOutcome struct {
	Success   bool            `json:"success"`
	Commit    string          `json:"commit,omitempty"`
	UpToDate  bool            `json:"up_to_date,omitempty"`
	Conflicts []MergeConflict `json:"conflicts,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Result of merging source into target inside a repository
type merge_result struct {
	ours       *object.Commit
	theirs     *object.Commit
	tree       plumbing.Hash
	conflicts  []MergeConflict
	up_to_date bool
}

// Directory scratch clones are created in; empty means the system temporary directory
var merge_scratch_dir = ""

// Collect all file entries from a tree into a flat map keyed by path
func git_tree_flatten(tree *object.Tree, prefix string, entries map[string]object.TreeEntry) error {
	for _, entry := range tree.Entries {
		p := entry.Name
		if prefix != "" {
			p = prefix + "/" + entry.Name
		}
		if entry.Mode == filemode.Dir {
			subtree, err := tree.Tree(entry.Name)
			if err != nil {
				return fmt.Errorf("%w: tree %q: %v", error_corrupt_repository, p, err)
			}
			err = git_tree_flatten(subtree, p, entries)
			if err != nil {
				return err
			}
			continue
		}
		entries[p] = object.TreeEntry{Name: p, Mode: entry.Mode, Hash: entry.Hash}
	}
	return nil
}

// A directory in a tree being built
type git_dir_node struct {
	entries  []object.TreeEntry
	children map[string]*git_dir_node
}

// Build tree objects from a flat map of path to entry, returning the root tree hash
func git_build_tree(repo *git.Repository, entries map[string]object.TreeEntry) (plumbing.Hash, error) {
	root := &git_dir_node{children: map[string]*git_dir_node{}}

	paths := make([]string, 0, len(entries))
	for p := range entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		parts := strings.Split(p, "/")
		node := root
		for _, dir := range parts[:len(parts)-1] {
			child, found := node.children[dir]
			if !found {
				child = &git_dir_node{children: map[string]*git_dir_node{}}
				node.children[dir] = child
			}
			node = child
		}
		node.entries = append(node.entries, object.TreeEntry{Name: parts[len(parts)-1], Mode: entries[p].Mode, Hash: entries[p].Hash})
	}

	return git_store_tree(repo, root)
}

func git_store_tree(repo *git.Repository, node *git_dir_node) (plumbing.Hash, error) {
	var all []object.TreeEntry
	for name, child := range node.children {
		h, err := git_store_tree(repo, child)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		all = append(all, object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: h})
	}
	all = append(all, node.entries...)

	// Git orders directories as if their names ended in a slash
	sort.Slice(all, func(i, j int) bool {
		ni, nj := all[i].Name, all[j].Name
		if all[i].Mode == filemode.Dir {
			ni += "/"
		}
		if all[j].Mode == filemode.Dir {
			nj += "/"
		}
		return ni < nj
	})

	obj := repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.TreeObject)
	err := (&object.Tree{Entries: all}).Encode(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("unable to encode tree: %w", err)
	}
	h, err := repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("unable to store tree: %w", err)
	}
	return h, nil
}

func git_store_blob(repo *git.Repository, content string) (plumbing.Hash, error) {
	obj := repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	_, err = io.WriteString(w, content)
	if err != nil {
		w.Close()
		return plumbing.ZeroHash, err
	}
	err = w.Close()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return repo.Storer.SetEncodedObject(obj)
}

// Read a blob as text, reporting whether it looks binary
func git_read_blob(repo *git.Repository, h plumbing.Hash) (string, bool, error) {
	blob, err := repo.BlobObject(h)
	if err != nil {
		return "", false, fmt.Errorf("%w: blob %s: %v", error_corrupt_repository, h, err)
	}
	r, err := blob.Reader()
	if err != nil {
		return "", false, err
	}
	defer r.Close()
	content, err := io.ReadAll(r)
	if err != nil {
		return "", false, err
	}
	return string(content), git_binary(content), nil
}

func merge_same(a object.TreeEntry, a_found bool, b object.TreeEntry, b_found bool) bool {
	if a_found != b_found {
		return false
	}
	return !a_found || (a.Hash == b.Hash && a.Mode == b.Mode)
}

func merge_text_mode(mode filemode.FileMode) bool {
	return mode == filemode.Regular || mode == filemode.Executable || mode == filemode.Deprecated
}

// Merge one path changed differently on both sides. Returns false if it conflicts.
func merge_file(repo *git.Repository, b object.TreeEntry, hb bool, o object.TreeEntry, ho bool, t object.TreeEntry, ht bool) (object.TreeEntry, bool, error) {
	if !ho || !ht {
		return object.TreeEntry{}, false, nil
	}
	if !merge_text_mode(o.Mode) || !merge_text_mode(t.Mode) || (hb && !merge_text_mode(b.Mode)) {
		return object.TreeEntry{}, false, nil
	}

	base := ""
	if hb {
		content, binary, err := git_read_blob(repo, b.Hash)
		if err != nil {
			return object.TreeEntry{}, false, err
		}
		if binary {
			return object.TreeEntry{}, false, nil
		}
		base = content
	}
	ours, ours_binary, err := git_read_blob(repo, o.Hash)
	if err != nil {
		return object.TreeEntry{}, false, err
	}
	theirs, theirs_binary, err := git_read_blob(repo, t.Hash)
	if err != nil {
		return object.TreeEntry{}, false, err
	}
	if ours_binary || theirs_binary {
		return object.TreeEntry{}, false, nil
	}

	merged, conflicted := merge_text(base, ours, theirs)
	if conflicted {
		return object.TreeEntry{}, false, nil
	}

	mode := o.Mode
	if o.Mode != t.Mode && hb && o.Mode == b.Mode {
		mode = t.Mode
	}
	h, err := git_store_blob(repo, merged)
	if err != nil {
		return object.TreeEntry{}, false, err
	}
	return object.TreeEntry{Name: o.Name, Mode: mode, Hash: h}, true, nil
}

// Three-way merge of trees, writing any new objects into repo. Returns the merged tree, or the conflicting paths sorted.
func merge_trees(repo *git.Repository, base *object.Tree, ours *object.Tree, theirs *object.Tree) (plumbing.Hash, []MergeConflict, error) {
	be := map[string]object.TreeEntry{}
	oe := map[string]object.TreeEntry{}
	te := map[string]object.TreeEntry{}
	for _, f := range []struct {
		tree    *object.Tree
		entries map[string]object.TreeEntry
	}{{base, be}, {ours, oe}, {theirs, te}} {
		err := git_tree_flatten(f.tree, "", f.entries)
		if err != nil {
			return plumbing.ZeroHash, nil, err
		}
	}

	paths := map[string]bool{}
	for _, entries := range []map[string]object.TreeEntry{be, oe, te} {
		for p := range entries {
			paths[p] = true
		}
	}

	conflict := func(p string) MergeConflict {
		c := MergeConflict{Path: p}
		if e, found := oe[p]; found {
			c.Ours = e.Hash.String()
		}
		if e, found := te[p]; found {
			c.Theirs = e.Hash.String()
		}
		return c
	}

	merged := map[string]object.TreeEntry{}
	conflicts := map[string]MergeConflict{}
	for p := range paths {
		b, hb := be[p]
		o, ho := oe[p]
		t, ht := te[p]

		switch {
		case merge_same(o, ho, t, ht):
			if ho {
				merged[p] = o
			}
		case merge_same(b, hb, o, ho):
			if ht {
				merged[p] = t
			}
		case merge_same(b, hb, t, ht):
			if ho {
				merged[p] = o
			}
		default:
			entry, ok, err := merge_file(repo, b, hb, o, ho, t, ht)
			if err != nil {
				return plumbing.ZeroHash, nil, err
			}
			if ok {
				merged[p] = entry
			} else {
				conflicts[p] = conflict(p)
			}
		}
	}

	// A file on one side where the other side now has a directory
	for p := range merged {
		for dir := path.Dir(p); dir != "."; dir = path.Dir(dir) {
			if _, found := merged[dir]; found {
				conflicts[dir] = conflict(dir)
			}
		}
	}

	if len(conflicts) > 0 {
		list := make([]MergeConflict, 0, len(conflicts))
		for _, c := range conflicts {
			list = append(list, c)
		}
		sort.Slice(list, func(i, j int) bool { return list[i].Path < list[j].Path })
		return plumbing.ZeroHash, list, nil
	}

	h, err := git_build_tree(repo, merged)
	if err != nil {
		return plumbing.ZeroHash, nil, err
	}
	return h, nil, nil
}

// Find a branch in a scratch clone, where it may be a local branch or a remote-tracking one, and make sure it exists locally
func merge_scratch_branch(repo *git.Repository, name string) (*object.Commit, error) {
	if !valid(name, "ref") {
		return nil, fmt.Errorf("%w: %q", error_ref_not_found, name)
	}
	for _, rn := range []plumbing.ReferenceName{plumbing.NewBranchReferenceName(name), plumbing.NewRemoteReferenceName("origin", name)} {
		ref, err := repo.Reference(rn, true)
		if err != nil {
			continue
		}
		c, err := repo.CommitObject(ref.Hash())
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", error_corrupt_repository, name, err)
		}
		if rn.IsRemote() {
			err = repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName(name), c.Hash))
			if err != nil {
				return nil, err
			}
		}
		return c, nil
	}
	return nil, fmt.Errorf("%w: %q", error_ref_not_found, name)
}

// Clone the canonical repository into a new scratch directory. The caller removes the directory.
func merge_scratch(ctx context.Context, h *RepositoryHandle) (*git.Repository, string, error) {
	dir, err := os.MkdirTemp(merge_scratch_dir, "forge-merge-*")
	if err != nil {
		return nil, "", fmt.Errorf("unable to create scratch directory: %w", err)
	}
	repo, err := git.PlainCloneContext(ctx, dir, true, &git.CloneOptions{URL: h.path, Tags: git.AllTags})
	if err != nil {
		os.RemoveAll(dir)
		return nil, "", fmt.Errorf("unable to clone %q: %w", h.path, err)
	}
	debug("Merge scratch clone %q of %q", dir, h.path)
	return repo, dir, nil
}

// Merge source into target within a scratch clone, without committing
func merge_attempt(repo *git.Repository, source string, target string) (*merge_result, error) {
	ours, err := merge_scratch_branch(repo, target)
	if errors.Is(err, error_ref_not_found) {
		// Only comparisons get here with a tag or commit, since merges check for a target branch first
		ours, err = git_resolve(repo, target)
	}
	if err != nil {
		return nil, err
	}
	theirs, err := merge_scratch_branch(repo, source)
	if errors.Is(err, error_ref_not_found) {
		// Source may be a tag or commit
		theirs, err = git_resolve(repo, source)
	}
	if err != nil {
		return nil, err
	}

	r := &merge_result{ours: ours, theirs: theirs}
	if ours.Hash == theirs.Hash {
		r.up_to_date = true
		return r, nil
	}

	bases, err := ours.MergeBase(theirs)
	if err != nil {
		return nil, fmt.Errorf("unable to find merge base: %w", err)
	}
	if len(bases) == 0 {
		return nil, fmt.Errorf("%w: %s and %s", error_no_merge_base, target, source)
	}
	if bases[0].Hash == theirs.Hash {
		r.up_to_date = true
		return r, nil
	}

	base_tree, err := bases[0].Tree()
	if err != nil {
		return nil, err
	}
	ours_tree, err := ours.Tree()
	if err != nil {
		return nil, err
	}
	theirs_tree, err := theirs.Tree()
	if err != nil {
		return nil, err
	}

	r.tree, r.conflicts, err = merge_trees(repo, base_tree, ours_tree, theirs_tree)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Merge source into target branch and push the result to the canonical repository.
// All work happens in a scratch clone, which is always removed.
func merge_branches(ctx context.Context, h *RepositoryHandle, source string, target string, name string, email string, message string) MergeOutcome {
	repo, dir, err := merge_scratch(ctx, h)
	if err != nil {
		return MergeOutcome{Error: err.Error()}
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			warn("Merge unable to remove scratch directory %q: %v", dir, err)
		}
	}()

	_, err = merge_scratch_branch(repo, target)
	if err != nil {
		return MergeOutcome{Error: fmt.Sprintf("target must be a branch: %v", err)}
	}
	r, err := merge_attempt(repo, source, target)
	if err != nil {
		return MergeOutcome{Error: err.Error()}
	}
	if r.up_to_date {
		return MergeOutcome{Success: true, UpToDate: true, Commit: r.ours.Hash.String()}
	}
	if len(r.conflicts) > 0 {
		return MergeOutcome{Conflicts: r.conflicts}
	}

	if message == "" {
		message = fmt.Sprintf("Merge branch '%s' into %s", source, target)
	}
	if !strings.HasSuffix(message, "\n") {
		message += "\n"
	}
	signature := object.Signature{Name: name, Email: email, When: time.Now()}
	commit := &object.Commit{
		Author:       signature,
		Committer:    signature,
		Message:      message,
		TreeHash:     r.tree,
		ParentHashes: []plumbing.Hash{r.ours.Hash, r.theirs.Hash},
	}
	obj := repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.CommitObject)
	err = commit.Encode(obj)
	if err != nil {
		return MergeOutcome{Error: fmt.Sprintf("unable to encode merge commit: %v", err)}
	}
	hash, err := repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return MergeOutcome{Error: fmt.Sprintf("unable to store merge commit: %v", err)}
	}

	branch := plumbing.NewBranchReferenceName(target)
	err = repo.Storer.SetReference(plumbing.NewHashReference(branch, hash))
	if err != nil {
		return MergeOutcome{Error: fmt.Sprintf("unable to update %s: %v", target, err)}
	}

	err = repo.PushContext(ctx, &git.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []config.RefSpec{config.RefSpec(branch.String() + ":" + branch.String())},
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return MergeOutcome{Error: fmt.Sprintf("unable to push merge: %v", err)}
	}

	info("Merged %q into %q of %q as %s", source, target, h.path, hash)
	return MergeOutcome{Success: true, Commit: hash.String()}
}
