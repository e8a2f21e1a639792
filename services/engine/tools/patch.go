// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// ErrPatchConflict is returned when a hunk's context does not match the
// file on disk. No partial application is left behind; the file is
// untouched when any of its hunks conflict.
var ErrPatchConflict = errors.New("tools: patch does not apply")

// applyPatch parses a unified diff and applies it file by file.
//
// Description:
//
//	Each file's hunks are applied against an in-memory copy; the file
//	is only written back once every hunk applied cleanly. New files
//	(origin /dev/null) are created, deletions (target /dev/null) are
//	removed. All paths go through the same containment check as the
//	other file tools.
func (d *Dispatcher) applyPatch(args ApplyPatchArgs) (string, error) {
	fileDiffs, err := diff.ParseMultiFileDiff([]byte(args.Patch))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if len(fileDiffs) == 0 {
		return "", fmt.Errorf("%w: patch contains no file diffs", ErrInvalidArguments)
	}

	var applied []string
	for _, fd := range fileDiffs {
		path, deleted, created := patchTarget(fd)
		if err := validateRelPath(path); err != nil {
			return "", err
		}
		abs, err := d.resolve(path)
		if err != nil {
			return "", err
		}

		prev, prevExisted, err := snapshot(abs)
		if err != nil {
			return "", err
		}

		switch {
		case deleted:
			if !prevExisted {
				return "", fmt.Errorf("%w: %s does not exist", ErrPatchConflict, path)
			}
			if err := os.Remove(abs); err != nil {
				return "", fmt.Errorf("apply patch: %w", err)
			}
			d.recordChange(path, prev, true, "", true)

		case created:
			if prevExisted {
				return "", fmt.Errorf("%w: %s already exists", ErrPatchConflict, path)
			}
			next, err := applyHunks("", fd.Hunks)
			if err != nil {
				return "", fmt.Errorf("%s: %w", path, err)
			}
			if err := os.MkdirAll(filepath.Dir(abs), 0750); err != nil {
				return "", fmt.Errorf("apply patch: %w", err)
			}
			if err := os.WriteFile(abs, []byte(next), 0640); err != nil {
				return "", fmt.Errorf("apply patch: %w", err)
			}
			d.recordChange(path, "", false, next, false)

		default:
			if !prevExisted {
				return "", fmt.Errorf("%w: %s does not exist", ErrPatchConflict, path)
			}
			next, err := applyHunks(prev, fd.Hunks)
			if err != nil {
				return "", fmt.Errorf("%s: %w", path, err)
			}
			if err := os.WriteFile(abs, []byte(next), 0640); err != nil {
				return "", fmt.Errorf("apply patch: %w", err)
			}
			d.recordChange(path, prev, true, next, false)
		}
		applied = append(applied, path)
	}

	return fmt.Sprintf("applied patch to %s", strings.Join(applied, ", ")), nil
}

// patchTarget extracts the workspace-relative path and whether the diff
// creates or deletes the file.
func patchTarget(fd *diff.FileDiff) (path string, deleted, created bool) {
	orig := stripDiffPrefix(fd.OrigName)
	target := stripDiffPrefix(fd.NewName)

	switch {
	case fd.NewName == "/dev/null":
		return orig, true, false
	case fd.OrigName == "/dev/null":
		return target, false, true
	default:
		return target, false, false
	}
}

func stripDiffPrefix(name string) string {
	name = strings.TrimPrefix(name, "a/")
	name = strings.TrimPrefix(name, "b/")
	return name
}

// applyHunks applies hunks in order against content, verifying every
// context and deletion line.
func applyHunks(content string, hunks []*diff.Hunk) (string, error) {
	lines := splitLines(content)
	var out []string
	cursor := 0 // index into lines, 0-based

	for _, h := range hunks {
		start := int(h.OrigStartLine) - 1
		if start < 0 {
			start = 0
		}
		if start < cursor || start > len(lines) {
			return "", fmt.Errorf("%w: hunk start %d out of range", ErrPatchConflict, h.OrigStartLine)
		}

		out = append(out, lines[cursor:start]...)
		cursor = start

		for _, raw := range strings.Split(strings.TrimSuffix(string(h.Body), "\n"), "\n") {
			if raw == "" {
				// Blank context line emitted without its leading space.
				if cursor >= len(lines) || lines[cursor] != "" {
					return "", fmt.Errorf("%w: context mismatch at line %d", ErrPatchConflict, cursor+1)
				}
				out = append(out, "")
				cursor++
				continue
			}
			op, text := raw[0], raw[1:]
			switch op {
			case ' ':
				if cursor >= len(lines) || lines[cursor] != text {
					return "", fmt.Errorf("%w: context mismatch at line %d", ErrPatchConflict, cursor+1)
				}
				out = append(out, text)
				cursor++
			case '-':
				if cursor >= len(lines) || lines[cursor] != text {
					return "", fmt.Errorf("%w: deletion mismatch at line %d", ErrPatchConflict, cursor+1)
				}
				cursor++
			case '+':
				out = append(out, text)
			case '\\':
				// "\ No newline at end of file" markers carry no content.
			default:
				return "", fmt.Errorf("%w: unexpected hunk line %q", ErrInvalidArguments, raw)
			}
		}
	}

	out = append(out, lines[cursor:]...)
	result := strings.Join(out, "\n")
	if len(out) > 0 {
		result += "\n"
	}
	return result, nil
}

// splitLines splits content into lines without a trailing empty entry.
func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(content, "\n"), "\n")
}
