package super1

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openScratchFile(t *testing.T, sizeBytes int64) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "component")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(sizeBytes))
	t.Cleanup(func() { f.Close() })
	return f
}

func newTestView(minor MinorVersion, maxDev uint32) *View {
	sb := Superblock{
		Magic:        Magic,
		MajorVersion: MajorVersion,
		Level:        Level1,
		RaidDisks:    3,
		ChunkSize:    0,
		MaxDev:       maxDev,
		Events:       7,
	}
	roles := make(Roles, maxDev)
	for i := range roles {
		roles[i] = uint16(i)
	}
	return &View{Minor: minor, Sb: sb, Roles: roles}
}

func TestStoreThenLoadRoundTrip(t *testing.T) {
	f := openScratchFile(t, 4*1024*1024)
	v := newTestView(MinorVersionAtStart, 4)
	v.Sb.SuperOffset, _ = Location(v.Minor, 4*1024*1024/sectorBytes)
	v.Path = f.Name()

	require.NoError(t, Store(f, v))

	got, err := Load(f, MinorVersionAtStart)
	require.NoError(t, err)

	assert.Equal(t, v.Sb.Level, got.Sb.Level)
	assert.Equal(t, v.Sb.RaidDisks, got.Sb.RaidDisks)
	assert.Equal(t, v.Sb.Events, got.Sb.Events)
	assert.Equal(t, v.Roles, got.Roles)
}

func TestLoadRejectsBadMagic(t *testing.T) {
	f := openScratchFile(t, 4*1024*1024)
	v := newTestView(MinorVersionAtStart, 4)
	v.Sb.SuperOffset, _ = Location(v.Minor, 4*1024*1024/sectorBytes)
	v.Path = f.Name()
	require.NoError(t, Store(f, v))

	// Corrupt the magic in place.
	_, err := f.WriteAt([]byte{0, 0, 0, 0}, 0)
	require.NoError(t, err)

	_, err = Load(f, MinorVersionAtStart)
	assert.Error(t, err)
}

func TestLoadRejectsChecksumMismatch(t *testing.T) {
	f := openScratchFile(t, 4*1024*1024)
	v := newTestView(MinorVersionAtStart, 4)
	v.Sb.SuperOffset, _ = Location(v.Minor, 4*1024*1024/sectorBytes)
	v.Path = f.Name()
	require.NoError(t, Store(f, v))

	// Flip a byte inside the events field, past the checksum fold,
	// without recomputing SbCsum: this must now fail verification.
	buf := make([]byte, 1)
	_, err := f.ReadAt(buf, 0xc8)
	require.NoError(t, err)
	buf[0] ^= 0xff
	_, err = f.WriteAt(buf, 0xc8)
	require.NoError(t, err)

	_, err = Load(f, MinorVersionAtStart)
	assert.Error(t, err)
}

func TestLoadGuessPicksNewestCTimeAcrossMinorVersions(t *testing.T) {
	f := openScratchFile(t, 4*1024*1024)
	devSectors := uint64(4 * 1024 * 1024 / sectorBytes)

	older := newTestView(MinorVersionAtStart, 2)
	older.Sb.CTime = 100
	older.Sb.SuperOffset, _ = Location(older.Minor, devSectors)
	older.Path = f.Name()
	require.NoError(t, Store(f, older))

	// MinorVersion4K places its header at sector 8, which does not
	// overlap MinorVersionAtStart's sector-0 header, so both can
	// coexist on the same scratch file for LoadGuess to pick between.
	newer := newTestView(MinorVersion4K, 2)
	newer.Sb.CTime = 200
	newer.Sb.SuperOffset, _ = Location(newer.Minor, devSectors)
	newer.Path = f.Name()
	require.NoError(t, Store(f, newer))

	got, err := LoadGuess(f)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), got.Sb.CTime)
}
