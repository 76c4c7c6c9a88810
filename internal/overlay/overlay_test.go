package overlay

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// testOverlay creates an OverlayFS over fresh temp layers.
// Uses t.TempDir() which automatically cleans up after the test.
func testOverlay(t *testing.T, passthrough ...string) *OverlayFS {
	t.Helper()
	tmp := t.TempDir()
	lower := filepath.Join(tmp, "lower")
	upper := filepath.Join(tmp, "upper")
	require.NoError(t, os.MkdirAll(lower, 0755))

	fs, err := New(Options{
		UpperRoot:   upper,
		LowerRoot:   lower,
		Passthrough: passthrough,
	})
	require.NoError(t, err)
	return fs
}

// seedLower writes a file directly into the lower layer.
func seedLower(t *testing.T, fs *OverlayFS, rel, content string) {
	t.Helper()
	path := fs.resolver.LowerPath(rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

// seedLowerDir creates a directory directly in the lower layer.
func seedLowerDir(t *testing.T, fs *OverlayFS, rel string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(fs.resolver.LowerPath(rel), 0755))
}

// seedUpper writes a file directly into the upper layer.
func seedUpper(t *testing.T, fs *OverlayFS, rel, content string) {
	t.Helper()
	path := fs.resolver.UpperPath(rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

// readPath reads an on-disk file and fails the test on error.
func readPath(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

// writeAll writes content through the overlay at offset 0, truncating.
func writeAll(t *testing.T, fs *OverlayFS, rel, content string) {
	t.Helper()
	h, err := fs.Open(rel, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	require.NoError(t, err)
	n, err := fs.Write(h, []byte(content), 0)
	require.NoError(t, err)
	require.Equal(t, len(content), n)
	require.NoError(t, fs.Close(h))
}

// readAll reads a whole file through the overlay.
func readAll(t *testing.T, fs *OverlayFS, rel string) string {
	t.Helper()
	info, err := fs.Stat(rel)
	require.NoError(t, err)
	h, err := fs.Open(rel, os.O_RDONLY, 0)
	require.NoError(t, err)
	defer fs.Close(h)
	buf := make([]byte, info.Size())
	n, err := fs.Read(h, buf, 0)
	require.NoError(t, err)
	return string(buf[:n])
}

// markerExists reports whether a whiteout marker is on disk for rel.
func markerExists(fs *OverlayFS, rel string) bool {
	_, err := os.Lstat(fs.whiteouts.MarkerPath(rel))
	return err == nil
}

// drainChanges collects every change currently buffered in the stream.
func drainChanges(fs *OverlayFS) []Change {
	var out []Change
	for {
		select {
		case c := <-fs.Notifier().Changes():
			out = append(out, c)
		default:
			return out
		}
	}
}

// countChanges counts buffered changes of one kind.
func countChanges(fs *OverlayFS, kind ChangeKind) int {
	count := 0
	for _, c := range drainChanges(fs) {
		if c.Kind == kind {
			count++
		}
	}
	return count
}
