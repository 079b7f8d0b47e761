// Forge server: Branch comparison
// Copyright Alistair Cunningham 2025

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	fdiff "github.com/go-git/go-git/v5/plumbing/format/diff"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"
)

// Lines of unchanged context kept either side of a change
const compare_context = 3

type DiffLine struct {
	Type    string `json:"type"`
	OldLine int    `json:"old_line_number,omitempty"`
	NewLine int    `json:"new_line_number,omitempty"`
	Content string `json:"content"`
}

type DiffChange struct {
	OldPath string     `json:"old_file_path"`
	NewPath string     `json:"new_file_path"`
	Status  string     `json:"status"`
	Added   int        `json:"added_lines"`
	Deleted int        `json:"deleted_lines"`
	Binary  bool       `json:"binary,omitempty"`
	Lines   []DiffLine `json:"lines"`
}

// Resolve the source and target of a comparison in the canonical repository
func compare_resolve(h *RepositoryHandle, source string, target string) (*git.Repository, *object.Commit, *object.Commit, error) {
	repo, err := h.open()
	if err != nil {
		return nil, nil, nil, err
	}
	s, err := git_resolve(repo, source)
	if err != nil {
		return nil, nil, nil, err
	}
	t, err := git_resolve(repo, target)
	if err != nil {
		return nil, nil, nil, err
	}
	return repo, s, t, nil
}

// Flatten a file patch into lines, keeping only the context near changes
func compare_lines(fp fdiff.FilePatch) ([]DiffLine, int, int) {
	type line struct {
		op   fdiff.Operation
		text string
	}
	var all []line
	for _, chunk := range fp.Chunks() {
		for _, l := range merge_lines(chunk.Content()) {
			all = append(all, line{op: chunk.Type(), text: strings.TrimSuffix(l, "\n")})
		}
	}

	// Distance from each line to the nearest change
	near := make([]int, len(all))
	last := -1
	for i, l := range all {
		if l.op != fdiff.Equal {
			last = i
		}
		near[i] = len(all)
		if last >= 0 {
			near[i] = i - last
		}
	}
	last = -1
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].op != fdiff.Equal {
			last = i
		}
		if last >= 0 && last-i < near[i] {
			near[i] = last - i
		}
	}

	lines := []DiffLine{}
	added, deleted := 0, 0
	old_line, new_line := 0, 0
	for i, l := range all {
		switch l.op {
		case fdiff.Add:
			new_line++
			added++
			lines = append(lines, DiffLine{Type: "added", NewLine: new_line, Content: l.text})
		case fdiff.Delete:
			old_line++
			deleted++
			lines = append(lines, DiffLine{Type: "deleted", OldLine: old_line, Content: l.text})
		default:
			old_line++
			new_line++
			if near[i] <= compare_context {
				lines = append(lines, DiffLine{Type: "context", OldLine: old_line, NewLine: new_line, Content: l.text})
			}
		}
	}
	return lines, added, deleted
}

// What would change in target if source were merged into it, one entry per file sorted by path
func compare_diff(ctx context.Context, h *RepositoryHandle, source string, target string) ([]DiffChange, error) {
	_, s, t, err := compare_resolve(h, source, target)
	if err != nil {
		return nil, err
	}
	from, err := t.Tree()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", error_corrupt_repository, err)
	}
	to, err := s.Tree()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", error_corrupt_repository, err)
	}

	changes, err := object.DiffTreeWithOptions(ctx, from, to, &object.DiffTreeOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", error_corrupt_repository, err)
	}

	out := []DiffChange{}
	for _, change := range changes {
		action, err := change.Action()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", error_corrupt_repository, err)
		}
		d := DiffChange{OldPath: change.From.Name, NewPath: change.To.Name, Lines: []DiffLine{}}
		switch action {
		case merkletrie.Insert:
			d.Status = "A"
		case merkletrie.Delete:
			d.Status = "D"
		default:
			d.Status = "M"
			if d.OldPath != d.NewPath {
				d.Status = "R"
			}
		}

		patch, err := change.PatchContext(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", error_corrupt_repository, err)
		}
		for _, fp := range patch.FilePatches() {
			if fp.IsBinary() {
				d.Binary = true
				continue
			}
			lines, added, deleted := compare_lines(fp)
			d.Lines = append(d.Lines, lines...)
			d.Added += added
			d.Deleted += deleted
		}
		out = append(out, d)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return compare_sort_key(out[i]) < compare_sort_key(out[j])
	})
	return out, nil
}

func compare_sort_key(d DiffChange) string {
	if d.NewPath != "" {
		return d.NewPath
	}
	return d.OldPath
}

// Commits reachable from source but not from target, newest first
func compare_commits(h *RepositoryHandle, source string, target string) ([]CommitInfo, error) {
	repo, s, t, err := compare_resolve(h, source, target)
	if err != nil {
		return nil, err
	}

	reachable := map[plumbing.Hash]bool{}
	iter, err := repo.Log(&git.LogOptions{From: t.Hash})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", error_corrupt_repository, err)
	}
	err = iter.ForEach(func(c *object.Commit) error {
		reachable[c.Hash] = true
		return nil
	})
	iter.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", error_corrupt_repository, err)
	}

	commits := []CommitInfo{}
	if reachable[s.Hash] {
		return commits, nil
	}
	err = object.NewCommitIterCTime(s, reachable, nil).ForEach(func(c *object.Commit) error {
		commits = append(commits, *git_commit_info(c))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", error_corrupt_repository, err)
	}
	return commits, nil
}

// Paths that would conflict if source were merged into target, found by a trial merge in a scratch clone
func compare_conflicts(ctx context.Context, h *RepositoryHandle, source string, target string) ([]MergeConflict, error) {
	if source == target {
		return []MergeConflict{}, nil
	}
	_, _, _, err := compare_resolve(h, source, target)
	if err != nil {
		return nil, err
	}

	repo, dir, err := merge_scratch(ctx, h)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			warn("Compare unable to remove scratch directory %q: %v", dir, err)
		}
	}()

	r, err := merge_attempt(repo, source, target)
	if errors.Is(err, error_no_merge_base) {
		return []MergeConflict{}, nil
	}
	if err != nil {
		return nil, err
	}
	if r.conflicts == nil {
		return []MergeConflict{}, nil
	}
	return r.conflicts, nil
}

// Content of one path as merging source into target would leave it, with any conflicts between marker lines
func compare_conflict_lines(h *RepositoryHandle, source string, target string, p string) (string, error) {
	repo, s, t, err := compare_resolve(h, source, target)
	if err != nil {
		return "", err
	}
	bases, err := t.MergeBase(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", error_corrupt_repository, err)
	}
	if len(bases) == 0 {
		return "", fmt.Errorf("%w: %s and %s", error_no_merge_base, target, source)
	}

	content := func(c *object.Commit) (string, error) {
		f, err := c.File(p)
		if errors.Is(err, object.ErrFileNotFound) || errors.Is(err, object.ErrDirectoryNotFound) {
			return "", nil
		}
		if err != nil {
			return "", fmt.Errorf("%w: %v", error_corrupt_repository, err)
		}
		text, binary, err := git_read_blob(repo, f.Hash)
		if err != nil {
			return "", err
		}
		if binary {
			return "", fmt.Errorf("%w: %s is binary", error_not_a_blob, p)
		}
		return text, nil
	}

	base, err := content(bases[0])
	if err != nil {
		return "", err
	}
	ours, err := content(t)
	if err != nil {
		return "", err
	}
	theirs, err := content(s)
	if err != nil {
		return "", err
	}
	return merge_text_markers(base, ours, theirs, target, source), nil
}
