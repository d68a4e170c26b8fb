package probe

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestIsErrnoMatchesDirectErrno(t *testing.T) {
	assert.True(t, isErrno(unix.EBUSY, unix.EBUSY))
	assert.False(t, isErrno(unix.ENOENT, unix.EBUSY))
}

func TestIsErrnoUnwrapsWrappedErrors(t *testing.T) {
	wrapped := fmt.Errorf("open device: %w", unix.EBUSY)
	assert.True(t, isErrno(wrapped, unix.EBUSY))
	assert.False(t, isErrno(wrapped, unix.ENOENT))
}

func TestIsErrnoFalseForNonErrno(t *testing.T) {
	assert.False(t, isErrno(fmt.Errorf("plain error"), unix.EBUSY))
}

func TestIsBusyDetectsEBUSY(t *testing.T) {
	assert.True(t, isBusy(unix.EBUSY))
	assert.False(t, isBusy(unix.ENOENT))
}

func TestDevNumString(t *testing.T) {
	d := DevNum{Major: 9, Minor: 3}
	assert.Equal(t, "9:3", d.String())
}
