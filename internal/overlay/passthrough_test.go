package overlay

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPassthroughFilter(t *testing.T) {
	t.Parallel()

	t.Run("empty rule set matches nothing", func(t *testing.T) {
		t.Parallel()
		f := NewPassthroughFilter(nil)

		assert.False(t, f.Match(""))
		assert.False(t, f.Match("src/main.go"))
		assert.False(t, f.Match(".git/HEAD"))
	})

	t.Run("glob rules match contents", func(t *testing.T) {
		t.Parallel()
		f := NewPassthroughFilter([]string{".git/**", ".claude/**"})

		assert.True(t, f.Match(".git/HEAD"))
		assert.True(t, f.Match(".git/objects/ab/cdef"))
		assert.True(t, f.Match(".claude/settings.json"))
		assert.False(t, f.Match("src/main.go"))
		assert.False(t, f.Match(".github/workflows/ci.yml"))
	})

	t.Run("rule directory itself matches", func(t *testing.T) {
		t.Parallel()
		f := NewPassthroughFilter([]string{".git/**"})

		assert.True(t, f.Match(".git"))
	})

	t.Run("ancestor of rule prefix matches for traversal", func(t *testing.T) {
		t.Parallel()
		f := NewPassthroughFilter([]string{"node_modules/.cache/**"})

		assert.True(t, f.Match("node_modules"))
		assert.True(t, f.Match("node_modules/.cache"))
		assert.True(t, f.Match("node_modules/.cache/terser/entry"))
		assert.False(t, f.Match("node_modules/react"))
	})

	t.Run("root never matches", func(t *testing.T) {
		t.Parallel()
		f := NewPassthroughFilter([]string{".git/**"})

		assert.False(t, f.Match(""))
	})

	t.Run("plain file rule", func(t *testing.T) {
		t.Parallel()
		f := NewPassthroughFilter([]string{"*.sock"})

		assert.True(t, f.Match("daemon.sock"))
		assert.True(t, f.Match("run/daemon.sock"))
		assert.False(t, f.Match("daemon.sock.bak"))
	})

	t.Run("Rules returns the original rules", func(t *testing.T) {
		t.Parallel()
		rules := []string{".git/**", "*.tmp"}
		f := NewPassthroughFilter(rules)

		assert.Equal(t, rules, f.Rules())
	})
}

func TestPassthroughBypassesOverlay(t *testing.T) {
	t.Parallel()

	t.Run("writes land in the lower layer", func(t *testing.T) {
		t.Parallel()
		fs := testOverlay(t, ".git/**")
		seedLower(t, fs, ".git/HEAD", "ref: refs/heads/main\n")

		writeAll(t, fs, ".git/HEAD", "ref: refs/heads/feature\n")

		assert.Equal(t, "ref: refs/heads/feature\n", readPath(t, fs.resolver.LowerPath(".git/HEAD")))
		_, err := os.Lstat(fs.resolver.UpperPath(".git/HEAD"))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("passthrough traffic never interns identities", func(t *testing.T) {
		t.Parallel()
		fs := testOverlay(t, ".claude/**")
		seedLower(t, fs, ".claude/settings.json", "{}")

		_, err := fs.Stat(".claude/settings.json")
		require.NoError(t, err)

		h, err := fs.Open(".claude/settings.json", os.O_RDWR, 0)
		require.NoError(t, err)
		_, err = fs.Write(h, []byte("{\"a\":1}"), 0)
		require.NoError(t, err)
		require.NoError(t, fs.Close(h))

		_, err = fs.ReadDir(".claude")
		require.NoError(t, err)

		assert.Zero(t, fs.IdentityCount())
	})

	t.Run("whiteouts do not apply to passthrough paths", func(t *testing.T) {
		t.Parallel()
		fs := testOverlay(t, ".git/**")
		seedLower(t, fs, ".git/config", "[core]\n")
		require.NoError(t, fs.whiteouts.Hide(".git/config"))

		info, err := fs.Stat(".git/config")
		require.NoError(t, err)
		assert.Equal(t, "config", info.Name())
	})
}
