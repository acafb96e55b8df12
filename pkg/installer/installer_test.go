package installer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/macadmins/gomunki/pkg/plist"
)

func TestDestinationForItem(t *testing.T) {
	cases := []struct {
		name     string
		item     plist.Dict
		wantDir  string
		wantName string
		wantErr  bool
	}{
		{
			name:     "destination_path with source basename",
			item:     plist.Dict{"source_item": "Firefox.app", "destination_path": "/Applications"},
			wantDir:  "/Applications",
			wantName: "Firefox.app",
		},
		{
			name: "destination_path with renamed item",
			item: plist.Dict{
				"source_item":      "Firefox.app",
				"destination_path": "/Applications",
				"destination_item": "Firefox ESR.app",
			},
			wantDir:  "/Applications",
			wantName: "Firefox ESR.app",
		},
		{
			name:     "destination_item with directory is split",
			item:     plist.Dict{"source_item": "tool", "destination_item": "/usr/local/bin/tool2"},
			wantDir:  "/usr/local/bin",
			wantName: "tool2",
		},
		{
			name:     "destination_item trailing slash keeps source name",
			item:     plist.Dict{"source_item": "tool", "destination_item": "/usr/local/bin/"},
			wantDir:  "/usr/local/bin",
			wantName: "tool",
		},
		{
			name:    "no source_item",
			item:    plist.Dict{"destination_path": "/Applications"},
			wantErr: true,
		},
		{
			name:    "no destination at all",
			item:    plist.Dict{"source_item": "Firefox.app"},
			wantErr: true,
		},
		{
			name:    "destination_item without directory",
			item:    plist.Dict{"source_item": "tool", "destination_item": "tool"},
			wantErr: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir, name, err := destinationForItem(tc.item)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantDir, dir)
			assert.Equal(t, tc.wantName, name)
		})
	}
}

func TestMakeIntermediateDirsInheritsAncestorMode(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Chmod(root, 0750))

	target := filepath.Join(root, "a", "b", "c")
	require.NoError(t, makeIntermediateDirs(target))

	for _, dir := range []string{
		filepath.Join(root, "a"),
		filepath.Join(root, "a", "b"),
		target,
	} {
		fi, err := os.Stat(dir)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0750), fi.Mode().Perm(), dir)
	}
}

func TestMakeIntermediateDirsExistingFileFails(t *testing.T) {
	root := t.TempDir()
	blocker := filepath.Join(root, "a")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))
	assert.Error(t, makeIntermediateDirs(filepath.Join(blocker, "b")))
}

func TestCopyWithProgressCopiesTree(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "top.txt"), []byte("hello"), 0640))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "inner.txt"), []byte("world"), 0600))
	require.NoError(t, os.Symlink("top.txt", filepath.Join(src, "link")))

	dst := filepath.Join(t.TempDir(), "copy")
	require.NoError(t, copyWithProgress(src, dst, nil))

	data, err := os.ReadFile(filepath.Join(dst, "top.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	data, err = os.ReadFile(filepath.Join(dst, "sub", "inner.txt"))
	require.NoError(t, err)
	assert.Equal(t, "world", string(data))
	target, err := os.Readlink(filepath.Join(dst, "link"))
	require.NoError(t, err)
	assert.Equal(t, "top.txt", target)
}

func TestQuarantineStrippedRecursively(t *testing.T) {
	dir := t.TempDir()
	inner := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(inner, 0755))
	file := filepath.Join(inner, "payload")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))

	value := []byte("0083;5f000000;Safari;")
	for _, path := range []string{dir, inner, file} {
		if err := unix.Setxattr(path, quarantineAttr, value, 0); err != nil {
			t.Skipf("xattrs not supported here: %v", err)
		}
	}

	removeQuarantineRecursive(dir)

	buf := make([]byte, 64)
	for _, path := range []string{dir, inner, file} {
		_, err := unix.Getxattr(path, quarantineAttr, buf)
		assert.Error(t, err, path)
	}
}

func TestAbsentAttributeErrorIsIgnorable(t *testing.T) {
	assert.True(t, ignorableXattrError(errNoAttr))
	assert.True(t, ignorableXattrError(unix.ENODATA))
	assert.True(t, ignorableXattrError(unix.ENOTSUP))
	assert.False(t, ignorableXattrError(unix.EIO))
}

func TestDefaultModeAdjust(t *testing.T) {
	// World-write cleared, group/other read granted.
	assert.Equal(t, os.FileMode(0644), defaultModeAdjust(0602, false))
	// Owner-executable file gains group/other execute.
	assert.Equal(t, os.FileMode(0755), defaultModeAdjust(0700, false))
	// Directories always traversable.
	assert.Equal(t, os.FileMode(0755), defaultModeAdjust(0700, true))
}

func TestAtomicReplaceSwapsAndRemovesOld(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "App")
	require.NoError(t, os.Mkdir(dest, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dest, "old"), []byte("old"), 0644))

	staged := filepath.Join(dir, "staged")
	require.NoError(t, os.Mkdir(staged, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(staged, "new"), []byte("new"), 0644))

	require.NoError(t, atomicReplace(staged, dest))

	assert.FileExists(t, filepath.Join(dest, "new"))
	assert.NoFileExists(t, filepath.Join(dest, "old"))
	assert.NoFileExists(t, dest+".premunki")
}

func TestCheckScriptPermissions(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "postinstall")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nexit 0\n"), 0700))

	assert.NoError(t, checkScriptPermissions(script))

	require.NoError(t, os.Chmod(script, 0702))
	var insecure *InsecurePermissionsError
	err := checkScriptPermissions(script)
	require.ErrorAs(t, err, &insecure)
	assert.Contains(t, insecure.Reason, "world-writable")

	require.NoError(t, os.Chmod(script, 0600))
	err = checkScriptPermissions(script)
	require.ErrorAs(t, err, &insecure)
	assert.Contains(t, insecure.Reason, "not executable")
}

func TestPostActionOrdering(t *testing.T) {
	assert.Equal(t, PostActionRestart, MaxPostAction(PostActionLogout, PostActionRestart))
	assert.Equal(t, PostActionShutdown, MaxPostAction(PostActionShutdown, PostActionNone))
	assert.Equal(t, PostActionNone, MaxPostAction(PostActionNone, PostActionNone))

	assert.Equal(t, PostActionRestart, postActionForRestart("RequireRestart"))
	assert.Equal(t, PostActionRestart, postActionForRestart("RecommendRestart"))
	assert.Equal(t, PostActionLogout, postActionForRestart("RequireLogout"))
	assert.Equal(t, PostActionNone, postActionForRestart(""))
	assert.Equal(t, PostActionNone, postActionForRestart("None"))
}
