package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolve_PlainRelativePathStaysWithinRoot(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	g, err := NewGuard(dir)
	require.NoError(t, err)

	abs, err := g.Resolve("sub/file.txt")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "sub", "file.txt"), abs)
}

func TestResolve_DotResolvesToRoot(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	g, err := NewGuard(dir)
	require.NoError(t, err)

	abs, err := g.Resolve(".")
	require.NoError(t, err)
	require.Equal(t, g.Root(), abs)
}

func TestResolve_RejectsAbsolutePaths(t *testing.T) {
	t.Parallel()

	g, err := NewGuard(t.TempDir())
	require.NoError(t, err)

	_, err = g.Resolve("/etc/passwd")
	require.Error(t, err)
}

func TestResolve_RejectsParentTraversal(t *testing.T) {
	t.Parallel()

	g, err := NewGuard(t.TempDir())
	require.NoError(t, err)

	for _, bad := range []string{"../escape", "a/../../escape", ".."} {
		_, err := g.Resolve(bad)
		require.Error(t, err, "expected %q to be rejected", bad)
	}
}

func TestResolve_SymlinkCannotEscapeRoot(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("shh"), 0o644))
	require.NoError(t, os.Symlink(outside, filepath.Join(dir, "link")))

	g, err := NewGuard(dir)
	require.NoError(t, err)

	_, err = g.Resolve("link/secret.txt")
	require.Error(t, err, "a symlink planted inside the sandbox must not allow escaping it")
}

func TestResolve_NonExistentWriteTargetIsAllowed(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	g, err := NewGuard(dir)
	require.NoError(t, err)

	abs, err := g.Resolve("new/nested/output.txt")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "new", "nested", "output.txt"), abs)
}

func TestCheckReadSize_FlagsOversizedFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	g, err := NewGuard(dir)
	require.NoError(t, err)

	big := filepath.Join(dir, "big.bin")
	require.NoError(t, os.WriteFile(big, make([]byte, MaxRawReadBytes+1), 0o644))

	err = g.CheckReadSize(big)
	require.True(t, errors.Is(err, ErrChunkedReadRequired))
}

func TestCheckReadSize_PassesForSmallFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	g, err := NewGuard(dir)
	require.NoError(t, err)

	small := filepath.Join(dir, "small.txt")
	require.NoError(t, os.WriteFile(small, []byte("hello"), 0o644))

	require.NoError(t, g.CheckReadSize(small))
}

func TestReadChunk_ReadsRequestedRange(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	g, err := NewGuard(dir)
	require.NoError(t, err)

	path := filepath.Join(dir, "data.txt")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o644))

	chunk, err := g.ReadChunk(path, 3, 4)
	require.NoError(t, err)
	require.Equal(t, "3456", string(chunk))
}
