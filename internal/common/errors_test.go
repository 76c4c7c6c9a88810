package common

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelErrors(t *testing.T) {
	t.Parallel()

	t.Run("sentinels are distinct", func(t *testing.T) {
		t.Parallel()
		sentinels := []error{
			ErrNotFound, ErrExists, ErrPermission, ErrIO,
			ErrNotDir, ErrIsDir, ErrNotEmpty, ErrInvalidName,
			ErrInvalidHandle, ErrStaleHandle, ErrCrossBoundary,
			ErrNotSupported, ErrMountExhausted, ErrUnmounting,
		}
		seen := make(map[string]bool)
		for _, err := range sentinels {
			assert.False(t, seen[err.Error()], "duplicate message %q", err.Error())
			seen[err.Error()] = true
		}
	})

	t.Run("wrapped sentinels match with errors.Is", func(t *testing.T) {
		t.Parallel()
		wrapped := fmt.Errorf("copy up %q: %w", "src/main.go", ErrStaleHandle)
		assert.True(t, errors.Is(wrapped, ErrStaleHandle))
		assert.False(t, errors.Is(wrapped, ErrNotFound))
	})

	t.Run("double wrapping still matches", func(t *testing.T) {
		t.Parallel()
		inner := fmt.Errorf("mount attempt: %w", ErrMountExhausted)
		outer := fmt.Errorf("session start: %w", inner)
		assert.True(t, errors.Is(outer, ErrMountExhausted))
	})
}
