package super1

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksumDeterministic(t *testing.T) {
	sb := Superblock{
		Magic:     Magic,
		Level:     Level1,
		RaidDisks: 3,
		Events:    42,
	}
	roles := Roles{0, 1, 2}

	sum1, err := Checksum(sb, roles)
	require.NoError(t, err)
	sum2, err := Checksum(sb, roles)
	require.NoError(t, err)
	assert.Equal(t, sum1, sum2)

	sb.Events = 43
	sum3, err := Checksum(sb, roles)
	require.NoError(t, err)
	assert.NotEqual(t, sum1, sum3)
}

func TestChecksumIgnoresItsOwnField(t *testing.T) {
	sb := Superblock{Magic: Magic, Level: Level5, RaidDisks: 4}
	roles := Roles{0, 1, 2, 3}

	want, err := Checksum(sb, roles)
	require.NoError(t, err)

	sb.SbCsum = 0xdeadbeef
	got, err := Checksum(sb, roles)
	require.NoError(t, err)
	assert.Equal(t, want, got, "SbCsum must be zeroed before folding, so a stale csum field doesn't perturb the result")
}

func TestVerifyChecksum(t *testing.T) {
	sb := Superblock{Magic: Magic, Level: Level6, RaidDisks: 5}
	roles := Roles{0, 1, 2, 3, 4}

	csum, err := Checksum(sb, roles)
	require.NoError(t, err)
	sb.SbCsum = csum

	ok, err := VerifyChecksum(sb, roles)
	require.NoError(t, err)
	assert.True(t, ok)

	sb.RaidDisks = 6
	ok, err = VerifyChecksum(sb, roles)
	require.NoError(t, err)
	assert.False(t, ok)
}
