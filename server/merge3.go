// Forge server: Three-way text merge
// Copyright Alistair Cunningham 2025

package main

import (
	"slices"
	"strings"

	"github.com/go-git/go-git/v5/utils/diff"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// A change one side made to base lines [start, end)
type merge_edit struct {
	start int
	end   int
	lines []string
}

// A run of merged output: either settled lines, or a conflict between the two sides
type merge_region struct {
	conflict bool
	lines    []string
	ours     []string
	theirs   []string
}

// Split text into lines, each keeping its newline
func merge_lines(s string) []string {
	lines := strings.SplitAfter(s, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// Edits turning base into side, in base order
func merge_edits(base string, side string) []merge_edit {
	var edits []merge_edit
	pos := 0
	open := false

	for _, d := range diff.Do(base, side) {
		lines := merge_lines(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			pos += len(lines)
			open = false

		case diffmatchpatch.DiffDelete:
			if !open {
				edits = append(edits, merge_edit{start: pos, end: pos})
				open = true
			}
			pos += len(lines)
			edits[len(edits)-1].end = pos

		case diffmatchpatch.DiffInsert:
			if !open {
				edits = append(edits, merge_edit{start: pos, end: pos})
				open = true
			}
			e := &edits[len(edits)-1]
			e.lines = append(e.lines, lines...)
		}
	}
	return edits
}

// Base lines [start, end) with one side's edits applied
func merge_apply(base []string, start int, end int, edits []merge_edit) []string {
	out := []string{}
	pos := start
	for _, e := range edits {
		out = append(out, base[pos:e.start]...)
		out = append(out, e.lines...)
		pos = e.end
	}
	return append(out, base[pos:end]...)
}

// Merge the changes ours and theirs each made to base. Edits from the two sides that overlap
// or touch form one group; a group changed by both sides is a conflict unless both produce the same lines.
func merge_regions(base string, ours string, theirs string) []merge_region {
	b := merge_lines(base)
	oe := merge_edits(base, ours)
	te := merge_edits(base, theirs)

	var regions []merge_region
	pos, i, j := 0, 0, 0
	for i < len(oe) || j < len(te) {
		var start int
		if j >= len(te) || (i < len(oe) && oe[i].start <= te[j].start) {
			start = oe[i].start
		} else {
			start = te[j].start
		}

		end := start
		var og, tg []merge_edit
		for {
			if i < len(oe) && oe[i].start <= end {
				og = append(og, oe[i])
				end = max(end, oe[i].end)
				i++
				continue
			}
			if j < len(te) && te[j].start <= end {
				tg = append(tg, te[j])
				end = max(end, te[j].end)
				j++
				continue
			}
			break
		}

		if pos < start {
			regions = append(regions, merge_region{lines: b[pos:start]})
		}

		ro := merge_apply(b, start, end, og)
		rt := merge_apply(b, start, end, tg)
		switch {
		case len(tg) == 0:
			regions = append(regions, merge_region{lines: ro})
		case len(og) == 0:
			regions = append(regions, merge_region{lines: rt})
		case slices.Equal(ro, rt):
			regions = append(regions, merge_region{lines: ro})
		default:
			regions = append(regions, merge_region{conflict: true, ours: ro, theirs: rt})
		}
		pos = end
	}

	if pos < len(b) {
		regions = append(regions, merge_region{lines: b[pos:]})
	}
	return regions
}

// Merge text, reporting whether any region conflicted
func merge_text(base string, ours string, theirs string) (string, bool) {
	var out strings.Builder
	conflicted := false
	for _, r := range merge_regions(base, ours, theirs) {
		if r.conflict {
			conflicted = true
			continue
		}
		for _, l := range r.lines {
			out.WriteString(l)
		}
	}
	return out.String(), conflicted
}

// Merge text, showing each conflict between marker lines
func merge_text_markers(base string, ours string, theirs string, ours_label string, theirs_label string) string {
	var out strings.Builder
	write := func(lines []string) {
		for _, l := range lines {
			out.WriteString(l)
		}
		if len(lines) > 0 && !strings.HasSuffix(lines[len(lines)-1], "\n") {
			out.WriteString("\n")
		}
	}

	for _, r := range merge_regions(base, ours, theirs) {
		if !r.conflict {
			for _, l := range r.lines {
				out.WriteString(l)
			}
			continue
		}
		out.WriteString("<<<<<<< " + ours_label + "\n")
		write(r.ours)
		out.WriteString("=======\n")
		write(r.theirs)
		out.WriteString(">>>>>>> " + theirs_label + "\n")
	}
	return out.String()
}
