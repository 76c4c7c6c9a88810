package overlay

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	t.Parallel()

	t.Run("missing file without O_CREATE", func(t *testing.T) {
		t.Parallel()
		fs := testOverlay(t)

		_, err := fs.Open("missing.txt", os.O_RDONLY, 0)
		assert.Equal(t, ENOENT, Errno(err))
	})

	t.Run("O_CREATE makes a new upper file", func(t *testing.T) {
		t.Parallel()
		fs := testOverlay(t)

		h, err := fs.Open("new.txt", os.O_WRONLY|os.O_CREATE, 0644)
		require.NoError(t, err)
		require.NoError(t, fs.Close(h))

		assert.FileExists(t, fs.resolver.UpperPath("new.txt"))
		assert.Equal(t, 1, countChanges(fs, ChangeCreated))
	})

	t.Run("O_EXCL on existing file", func(t *testing.T) {
		t.Parallel()
		fs := testOverlay(t)
		seedLower(t, fs, "exists.txt", "x")

		_, err := fs.Open("exists.txt", os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		assert.Equal(t, EEXIST, Errno(err))
	})

	t.Run("directories reject Open", func(t *testing.T) {
		t.Parallel()
		fs := testOverlay(t)
		seedLowerDir(t, fs, "dir")

		_, err := fs.Open("dir", os.O_RDONLY, 0)
		assert.Equal(t, EISDIR, Errno(err))
	})

	t.Run("read-only open does not copy up", func(t *testing.T) {
		t.Parallel()
		fs := testOverlay(t)
		seedLower(t, fs, "ro.txt", "content")

		h, err := fs.Open("ro.txt", os.O_RDONLY, 0)
		require.NoError(t, err)
		defer fs.Close(h)

		_, err = os.Lstat(fs.resolver.UpperPath("ro.txt"))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("reserved marker names are rejected", func(t *testing.T) {
		t.Parallel()
		fs := testOverlay(t)

		_, err := fs.Open(".wh.secret", os.O_WRONLY|os.O_CREATE, 0644)
		assert.Equal(t, EINVAL, Errno(err))

		_, err = fs.Open("dir/.wh.secret", os.O_RDONLY, 0)
		assert.Equal(t, EINVAL, Errno(err))
	})

	t.Run("O_TRUNC truncates after copy-up", func(t *testing.T) {
		t.Parallel()
		fs := testOverlay(t)
		seedLower(t, fs, "t.txt", "long original content")

		h, err := fs.Open("t.txt", os.O_WRONLY|os.O_TRUNC, 0)
		require.NoError(t, err)
		require.NoError(t, fs.Close(h))

		assert.Equal(t, "", readPath(t, fs.resolver.UpperPath("t.txt")))
		assert.Equal(t, "long original content", readPath(t, fs.resolver.LowerPath("t.txt")))
	})
}

func TestReadWrite(t *testing.T) {
	t.Parallel()

	t.Run("round trip through the overlay", func(t *testing.T) {
		t.Parallel()
		fs := testOverlay(t)

		writeAll(t, fs, "data.txt", "hello overlay")
		assert.Equal(t, "hello overlay", readAll(t, fs, "data.txt"))
	})

	t.Run("reads see the upper copy after copy-up", func(t *testing.T) {
		t.Parallel()
		fs := testOverlay(t)
		seedLower(t, fs, "f.txt", "lower")

		writeAll(t, fs, "f.txt", "upper wins")
		assert.Equal(t, "upper wins", readAll(t, fs, "f.txt"))
	})

	t.Run("flush emits one modified change per dirty window", func(t *testing.T) {
		t.Parallel()
		fs := testOverlay(t)

		h, err := fs.Open("m.txt", os.O_WRONLY|os.O_CREATE, 0644)
		require.NoError(t, err)
		_, err = fs.Write(h, []byte("a"), 0)
		require.NoError(t, err)
		_, err = fs.Write(h, []byte("b"), 1)
		require.NoError(t, err)
		require.NoError(t, fs.Flush(h))
		require.NoError(t, fs.Flush(h))
		require.NoError(t, fs.Close(h))

		assert.Equal(t, 1, countChanges(fs, ChangeModified))
	})

	t.Run("operations on released handles fail", func(t *testing.T) {
		t.Parallel()
		fs := testOverlay(t)

		h, err := fs.Open("x.txt", os.O_WRONLY|os.O_CREATE, 0644)
		require.NoError(t, err)
		require.NoError(t, fs.Close(h))

		_, err = fs.Read(h, make([]byte, 4), 0)
		assert.Equal(t, EBADF, Errno(err))
	})
}

func TestUnlink(t *testing.T) {
	t.Parallel()

	t.Run("upper-only file leaves no marker", func(t *testing.T) {
		t.Parallel()
		fs := testOverlay(t)
		writeAll(t, fs, "u.txt", "x")

		require.NoError(t, fs.Unlink("u.txt"))

		_, err := fs.Stat("u.txt")
		assert.Equal(t, ENOENT, Errno(err))
		assert.False(t, markerExists(fs, "u.txt"))
	})

	t.Run("lower-only file is hidden by a marker", func(t *testing.T) {
		t.Parallel()
		fs := testOverlay(t)
		seedLower(t, fs, "l.txt", "x")

		require.NoError(t, fs.Unlink("l.txt"))

		_, err := fs.Stat("l.txt")
		assert.Equal(t, ENOENT, Errno(err))
		assert.True(t, markerExists(fs, "l.txt"))
		assert.FileExists(t, fs.resolver.LowerPath("l.txt"))
	})

	t.Run("both layers removes upper and hides lower", func(t *testing.T) {
		t.Parallel()
		fs := testOverlay(t)
		seedLower(t, fs, "b.txt", "low")
		writeAll(t, fs, "b.txt", "high")

		require.NoError(t, fs.Unlink("b.txt"))

		_, err := fs.Stat("b.txt")
		assert.Equal(t, ENOENT, Errno(err))
		assert.True(t, markerExists(fs, "b.txt"))
		_, err = os.Lstat(fs.resolver.UpperPath("b.txt"))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("absent file", func(t *testing.T) {
		t.Parallel()
		fs := testOverlay(t)

		err := fs.Unlink("nope.txt")
		assert.Equal(t, ENOENT, Errno(err))
	})

	t.Run("directory", func(t *testing.T) {
		t.Parallel()
		fs := testOverlay(t)
		seedLowerDir(t, fs, "d")

		err := fs.Unlink("d")
		assert.Equal(t, EISDIR, Errno(err))
	})

	t.Run("delete then recreate clears the marker", func(t *testing.T) {
		t.Parallel()
		fs := testOverlay(t)
		seedLower(t, fs, "cycle.txt", "generation one")

		require.NoError(t, fs.Unlink("cycle.txt"))
		require.True(t, markerExists(fs, "cycle.txt"))

		writeAll(t, fs, "cycle.txt", "generation two")

		assert.False(t, markerExists(fs, "cycle.txt"))
		assert.Equal(t, "generation two", readAll(t, fs, "cycle.txt"))
		assert.Equal(t, "generation one", readPath(t, fs.resolver.LowerPath("cycle.txt")))
	})
}

func TestMkdirRmdir(t *testing.T) {
	t.Parallel()

	t.Run("mkdir creates in upper", func(t *testing.T) {
		t.Parallel()
		fs := testOverlay(t)

		require.NoError(t, fs.Mkdir("newdir", 0755))

		info, err := os.Lstat(fs.resolver.UpperPath("newdir"))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("mkdir over existing lower entry", func(t *testing.T) {
		t.Parallel()
		fs := testOverlay(t)
		seedLowerDir(t, fs, "taken")

		err := fs.Mkdir("taken", 0755)
		assert.Equal(t, EEXIST, Errno(err))
	})

	t.Run("mkdir over a whiteout revives the name", func(t *testing.T) {
		t.Parallel()
		fs := testOverlay(t)
		seedLower(t, fs, "dir/f", "x")
		require.NoError(t, fs.whiteouts.Hide("dir"))

		require.NoError(t, fs.Mkdir("dir", 0755))

		info, err := fs.Stat("dir")
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("rmdir of non-empty merged view", func(t *testing.T) {
		t.Parallel()
		fs := testOverlay(t)
		seedLower(t, fs, "full/f.txt", "x")

		err := fs.Rmdir("full")
		assert.Equal(t, ENOTEMPTY, Errno(err))
	})

	t.Run("rmdir of lower dir emptied through the overlay", func(t *testing.T) {
		t.Parallel()
		fs := testOverlay(t)
		seedLower(t, fs, "d/only.txt", "x")

		require.NoError(t, fs.Unlink("d/only.txt"))
		require.NoError(t, fs.Rmdir("d"))

		_, err := fs.Stat("d")
		assert.Equal(t, ENOENT, Errno(err))
		assert.DirExists(t, fs.resolver.LowerPath("d"))
	})

	t.Run("rmdir of upper-only dir", func(t *testing.T) {
		t.Parallel()
		fs := testOverlay(t)
		require.NoError(t, fs.Mkdir("tmp", 0755))

		require.NoError(t, fs.Rmdir("tmp"))
		assert.False(t, markerExists(fs, "tmp"))
	})
}

func TestRename(t *testing.T) {
	t.Parallel()

	t.Run("upper file moves in place", func(t *testing.T) {
		t.Parallel()
		fs := testOverlay(t)
		writeAll(t, fs, "old.txt", "data")

		require.NoError(t, fs.Rename("old.txt", "new.txt"))

		assert.Equal(t, "data", readAll(t, fs, "new.txt"))
		_, err := fs.Stat("old.txt")
		assert.Equal(t, ENOENT, Errno(err))
	})

	t.Run("lower-only file is copied up then hidden", func(t *testing.T) {
		t.Parallel()
		fs := testOverlay(t)
		seedLower(t, fs, "src.txt", "payload")

		require.NoError(t, fs.Rename("src.txt", "dst.txt"))

		assert.Equal(t, "payload", readAll(t, fs, "dst.txt"))
		_, err := fs.Stat("src.txt")
		assert.Equal(t, ENOENT, Errno(err))
		assert.True(t, markerExists(fs, "src.txt"))
		assert.Equal(t, "payload", readPath(t, fs.resolver.LowerPath("src.txt")))
	})

	t.Run("lower-only directory tree", func(t *testing.T) {
		t.Parallel()
		fs := testOverlay(t)
		seedLower(t, fs, "pkg/a.go", "package pkg\n")
		seedLower(t, fs, "pkg/sub/b.go", "package sub\n")

		require.NoError(t, fs.Rename("pkg", "lib"))

		assert.Equal(t, "package pkg\n", readAll(t, fs, "lib/a.go"))
		assert.Equal(t, "package sub\n", readAll(t, fs, "lib/sub/b.go"))
		_, err := fs.Stat("pkg")
		assert.Equal(t, ENOENT, Errno(err))
	})

	t.Run("replaces an existing destination", func(t *testing.T) {
		t.Parallel()
		fs := testOverlay(t)
		writeAll(t, fs, "a.txt", "from a")
		writeAll(t, fs, "b.txt", "from b")

		require.NoError(t, fs.Rename("a.txt", "b.txt"))
		assert.Equal(t, "from a", readAll(t, fs, "b.txt"))
	})

	t.Run("crossing the passthrough boundary is rejected", func(t *testing.T) {
		t.Parallel()
		fs := testOverlay(t, ".git/**")
		seedLower(t, fs, "tracked.txt", "x")
		seedLower(t, fs, ".git/HEAD", "ref\n")

		err := fs.Rename("tracked.txt", ".git/tracked.txt")
		assert.Equal(t, EINVAL, Errno(err))

		err = fs.Rename(".git/HEAD", "HEAD-copy")
		assert.Equal(t, EINVAL, Errno(err))
	})

	t.Run("within the passthrough subtree renames in lower", func(t *testing.T) {
		t.Parallel()
		fs := testOverlay(t, ".git/**")
		seedLower(t, fs, ".git/tmp_1234", "pack")

		require.NoError(t, fs.Rename(".git/tmp_1234", ".git/pack-final"))
		assert.FileExists(t, fs.resolver.LowerPath(".git/pack-final"))
	})

	t.Run("missing source", func(t *testing.T) {
		t.Parallel()
		fs := testOverlay(t)

		err := fs.Rename("ghost.txt", "anywhere.txt")
		assert.Equal(t, ENOENT, Errno(err))
	})
}

func TestSymlinkReadlink(t *testing.T) {
	t.Parallel()

	t.Run("create and read back", func(t *testing.T) {
		t.Parallel()
		fs := testOverlay(t)

		require.NoError(t, fs.Symlink("target/file.txt", "link"))

		target, err := fs.Readlink("link")
		require.NoError(t, err)
		assert.Equal(t, "target/file.txt", target)
	})

	t.Run("existing name", func(t *testing.T) {
		t.Parallel()
		fs := testOverlay(t)
		seedLower(t, fs, "busy", "x")

		err := fs.Symlink("anywhere", "busy")
		assert.Equal(t, EEXIST, Errno(err))
	})

	t.Run("readlink of missing path", func(t *testing.T) {
		t.Parallel()
		fs := testOverlay(t)

		_, err := fs.Readlink("nope")
		assert.Equal(t, ENOENT, Errno(err))
	})
}

func TestLink(t *testing.T) {
	t.Parallel()

	t.Run("both names share one identity", func(t *testing.T) {
		t.Parallel()
		fs := testOverlay(t)
		seedLower(t, fs, "orig.txt", "shared bytes")

		require.NoError(t, fs.Link("orig.txt", "alias.txt"))

		h1, err := fs.Open("orig.txt", os.O_RDONLY, 0)
		require.NoError(t, err)
		h2, err := fs.Open("alias.txt", os.O_RDONLY, 0)
		require.NoError(t, err)
		i1, _ := fs.handles.Get(h1)
		i2, _ := fs.handles.Get(h2)
		assert.Equal(t, i1.identity, i2.identity)
		fs.Close(h1)
		fs.Close(h2)
	})

	t.Run("hard link to directory", func(t *testing.T) {
		t.Parallel()
		fs := testOverlay(t)
		seedLowerDir(t, fs, "d")

		err := fs.Link("d", "d2")
		assert.Equal(t, EACCES, Errno(err))
	})

	t.Run("existing destination", func(t *testing.T) {
		t.Parallel()
		fs := testOverlay(t)
		seedLower(t, fs, "a", "x")
		seedLower(t, fs, "b", "y")

		err := fs.Link("a", "b")
		assert.Equal(t, EEXIST, Errno(err))
	})
}

func TestMetadata(t *testing.T) {
	t.Parallel()

	t.Run("chmod copies up first", func(t *testing.T) {
		t.Parallel()
		fs := testOverlay(t)
		seedLower(t, fs, "m.txt", "x")

		require.NoError(t, fs.Chmod("m.txt", 0600))

		info, err := os.Lstat(fs.resolver.UpperPath("m.txt"))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

		lowInfo, err := os.Lstat(fs.resolver.LowerPath("m.txt"))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0644), lowInfo.Mode().Perm())
	})

	t.Run("chtimes sets mtime on the upper copy", func(t *testing.T) {
		t.Parallel()
		fs := testOverlay(t)
		seedLower(t, fs, "t.txt", "x")
		when := time.Date(2023, 6, 15, 8, 30, 0, 0, time.UTC)

		require.NoError(t, fs.Chtimes("t.txt", when, when))

		info, err := fs.Stat("t.txt")
		require.NoError(t, err)
		assert.True(t, info.ModTime().Equal(when))
	})

	t.Run("chmod on missing path", func(t *testing.T) {
		t.Parallel()
		fs := testOverlay(t)

		err := fs.Chmod("ghost", 0644)
		assert.Equal(t, ENOENT, Errno(err))
	})
}

func TestFileID(t *testing.T) {
	t.Parallel()

	t.Run("stable across copy-up", func(t *testing.T) {
		t.Parallel()
		fs := testOverlay(t)
		seedLower(t, fs, "id.txt", "v1")

		h, err := fs.Open("id.txt", os.O_RDONLY, 0)
		require.NoError(t, err)
		defer fs.Close(h)

		before, err := fs.Stat("id.txt")
		require.NoError(t, err)
		idBefore := fs.FileID(before)

		require.NoError(t, fs.EnsureWritable("id.txt"))

		after, err := fs.Stat("id.txt")
		require.NoError(t, err)
		assert.Equal(t, idBefore, fs.FileID(after))
	})

	t.Run("uninterned files use the real inode", func(t *testing.T) {
		t.Parallel()
		fs := testOverlay(t)
		seedLower(t, fs, "plain.txt", "x")

		info, err := fs.Stat("plain.txt")
		require.NoError(t, err)
		assert.NotZero(t, fs.FileID(info))
		assert.Zero(t, fs.FileID(info)&(1<<63))
	})
}

func TestSetUnmounting(t *testing.T) {
	t.Parallel()

	fs := testOverlay(t)
	seedLower(t, fs, "r.txt", "still readable")
	writeAll(t, fs, "w.txt", "written before drain")

	fs.SetUnmounting()

	_, err := fs.Open("new.txt", os.O_WRONLY|os.O_CREATE, 0644)
	assert.Equal(t, EBUSY, Errno(err))
	assert.Equal(t, EBUSY, Errno(fs.Mkdir("d", 0755)))
	assert.Equal(t, EBUSY, Errno(fs.Unlink("w.txt")))
	assert.Equal(t, EBUSY, Errno(fs.Rename("w.txt", "x.txt")))

	assert.Equal(t, "still readable", readAll(t, fs, "r.txt"))
	assert.Equal(t, "written before drain", readAll(t, fs, "w.txt"))
}
