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
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const modifyPatch = `--- a/greet.go
+++ b/greet.go
@@ -1,5 +1,5 @@
 package main

 func greet() string {
-	return "hi"
+	return "hello"
 }
`

const createPatch = `--- /dev/null
+++ b/added.go
@@ -0,0 +1,3 @@
+package main
+
+var added = true
`

const deletePatch = `--- a/gone.go
+++ /dev/null
@@ -1,1 +0,0 @@
-package main
`

func TestApplyPatchModify(t *testing.T) {
	d, workDir, _ := newTestDispatcher(t)

	original := "package main\n\nfunc greet() string {\n\treturn \"hi\"\n}\n"
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "greet.go"), []byte(original), 0640))

	res, err := d.Dispatch(context.Background(), call(t, "apply_patch", ApplyPatchArgs{Patch: modifyPatch}))
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)

	data, err := os.ReadFile(filepath.Join(workDir, "greet.go"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `return "hello"`)
	assert.NotContains(t, string(data), `return "hi"`)

	changes := d.Changes()
	require.Len(t, changes, 1)
	assert.Equal(t, original, changes[0].PrevContent)
}

func TestApplyPatchCreateAndDelete(t *testing.T) {
	d, workDir, _ := newTestDispatcher(t)
	ctx := context.Background()

	res, err := d.Dispatch(ctx, call(t, "apply_patch", ApplyPatchArgs{Patch: createPatch}))
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)

	data, err := os.ReadFile(filepath.Join(workDir, "added.go"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "var added = true")

	require.NoError(t, os.WriteFile(filepath.Join(workDir, "gone.go"), []byte("package main\n"), 0640))
	res, err = d.Dispatch(ctx, call(t, "apply_patch", ApplyPatchArgs{Patch: deletePatch}))
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)

	_, statErr := os.Stat(filepath.Join(workDir, "gone.go"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestApplyPatchConflictLeavesFileUntouched(t *testing.T) {
	d, workDir, _ := newTestDispatcher(t)

	divergent := "package main\n\nfunc greet() string {\n\treturn \"changed upstream\"\n}\n"
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "greet.go"), []byte(divergent), 0640))

	res, err := d.Dispatch(context.Background(), call(t, "apply_patch", ApplyPatchArgs{Patch: modifyPatch}))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "does not apply")

	data, err := os.ReadFile(filepath.Join(workDir, "greet.go"))
	require.NoError(t, err)
	assert.Equal(t, divergent, string(data))
	assert.Empty(t, d.Changes())
}

func TestApplyPatchGarbageRejected(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	res, err := d.Dispatch(context.Background(), call(t, "apply_patch", ApplyPatchArgs{Patch: "this is not a diff"}))
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestApplyPatchPathEscape(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	hostile := `--- /dev/null
+++ b/../evil.go
@@ -0,0 +1,1 @@
+boom
`
	res, err := d.Dispatch(context.Background(), call(t, "apply_patch", ApplyPatchArgs{Patch: hostile}))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "escapes workspace root")
}
