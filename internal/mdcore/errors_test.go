package mdcore_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"git.mdraid.dev/mdassemble-ng/internal/mdcore"
)

func TestUUIDStringFormatsAsFourHexGroups(t *testing.T) {
	u := mdcore.UUID{0x12, 0x34, 0x56, 0x78, 0x9a, 0xbc, 0xde, 0xf0, 0x12, 0x34, 0x56, 0x78, 0x9a, 0xbc, 0xde, 0xf0}
	assert.Equal(t, "12345678:9abcdef0:12345678:9abcdef0", u.String())
}

func TestUUIDIsZero(t *testing.T) {
	var u mdcore.UUID
	assert.True(t, u.IsZero())
	u[0] = 1
	assert.False(t, u.IsZero())
}

func TestIoErrorWrapsUnderlyingError(t *testing.T) {
	inner := assert.AnError
	err := &mdcore.IoError{Path: "/dev/sdb1", Op: "open", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "/dev/sdb1")
}
