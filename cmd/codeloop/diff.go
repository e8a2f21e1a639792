// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/codeloop/services/engine/ledger"
)

// diffSizeLimit caps the LCS table; larger files fall back to a
// byte-count summary in the review prompt.
const diffSizeLimit = 2000

// renderChangeDiff renders one ledger change as a unified-style diff
// for the review prompt.
func renderChangeDiff(ch ledger.Change) string {
	var b strings.Builder
	switch {
	case ch.Deleted:
		fmt.Fprintf(&b, "--- a/%s\n+++ /dev/null\n", ch.Path)
	case !ch.PrevExisted:
		fmt.Fprintf(&b, "--- /dev/null\n+++ b/%s\n", ch.Path)
	default:
		fmt.Fprintf(&b, "--- a/%s\n+++ b/%s\n", ch.Path, ch.Path)
	}

	prev := splitLines(ch.PrevContent)
	next := splitLines(ch.NewContent)
	if ch.Deleted {
		next = nil
	}
	if !ch.PrevExisted {
		prev = nil
	}
	if len(prev)+len(next) > diffSizeLimit {
		fmt.Fprintf(&b, "(diff too large: %d -> %d bytes)\n", len(ch.PrevContent), len(ch.NewContent))
		return b.String()
	}

	for _, line := range diffLines(prev, next) {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}

// diffLines computes a line-level LCS diff. Unchanged lines are
// prefixed with a space, removals with -, additions with +.
func diffLines(a, b []string) []string {
	// lcs[i][j] is the LCS length of a[i:] and b[j:].
	lcs := make([][]int, len(a)+1)
	for i := range lcs {
		lcs[i] = make([]int, len(b)+1)
	}
	for i := len(a) - 1; i >= 0; i-- {
		for j := len(b) - 1; j >= 0; j-- {
			if a[i] == b[j] {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else if lcs[i+1][j] >= lcs[i][j+1] {
				lcs[i][j] = lcs[i+1][j]
			} else {
				lcs[i][j] = lcs[i][j+1]
			}
		}
	}

	var out []string
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			out = append(out, " "+a[i])
			i++
			j++
		case lcs[i+1][j] >= lcs[i][j+1]:
			out = append(out, "-"+a[i])
			i++
		default:
			out = append(out, "+"+b[j])
			j++
		}
	}
	for ; i < len(a); i++ {
		out = append(out, "-"+a[i])
	}
	for ; j < len(b); j++ {
		out = append(out, "+"+b[j])
	}
	return out
}
