// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package energy

import (
	"context"
	"path/filepath"
	"sort"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// Scorer produces the structural energy component for a set of changed
// files (path -> content).
//
// Implementations must return non-negative values and must be
// deterministic. Zero means structurally clean.
type Scorer interface {
	Score(ctx context.Context, files map[string]string) (float64, error)
}

// NopScorer always scores zero. Used when no structural analysis is
// configured.
type NopScorer struct{}

// Score implements Scorer.
func (NopScorer) Score(ctx context.Context, files map[string]string) (float64, error) {
	return 0, nil
}

// =============================================================================
// Tree-sitter Scorer
// =============================================================================

// perErrorWeight is the structural cost of one parse error or missing
// node.
const perErrorWeight = 1.0

// TreeSitterScorer scores structural energy by parsing each changed
// file and counting ERROR and missing nodes in the syntax tree.
//
// Description:
//
//	A file the grammar cannot fully parse carries weight proportional
//	to how broken it is, independent of whatever the language server
//	reports. Files with no grammar available score zero rather than
//	failing the attempt.
//
// Thread Safety:
//
//	Safe for concurrent use; a parser is created per call.
type TreeSitterScorer struct{}

// NewTreeSitterScorer returns the default structural scorer.
func NewTreeSitterScorer() *TreeSitterScorer {
	return &TreeSitterScorer{}
}

// Score implements Scorer. Files are processed in sorted path order so
// the sum is deterministic.
func (s *TreeSitterScorer) Score(ctx context.Context, files map[string]string) (float64, error) {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var total float64
	for _, path := range paths {
		lang := languageFor(path)
		if lang == nil {
			continue
		}

		parser := sitter.NewParser()
		parser.SetLanguage(lang)

		tree, err := parser.ParseCtx(ctx, nil, []byte(files[path]))
		if err != nil {
			return 0, err
		}

		total += float64(countErrorNodes(tree.RootNode())) * perErrorWeight
		tree.Close()
	}
	return total, nil
}

// languageFor maps a file extension to its grammar, nil when none.
func languageFor(path string) *sitter.Language {
	switch filepath.Ext(path) {
	case ".go":
		return golang.GetLanguage()
	case ".py", ".pyi":
		return python.GetLanguage()
	case ".js", ".jsx", ".mjs":
		return javascript.GetLanguage()
	case ".ts", ".tsx":
		return typescript.GetLanguage()
	default:
		return nil
	}
}

// countErrorNodes walks the tree iteratively counting ERROR and missing
// nodes.
func countErrorNodes(root *sitter.Node) int {
	if root == nil {
		return 0
	}

	count := 0
	stack := []*sitter.Node{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if n.IsError() || n.IsMissing() {
			count++
			// Children of an ERROR node are parse debris; counting them
			// would double-charge one mistake.
			continue
		}

		for i := 0; i < int(n.ChildCount()); i++ {
			if child := n.Child(i); child != nil {
				stack = append(stack, child)
			}
		}
	}
	return count
}
