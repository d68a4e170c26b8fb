package registry_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.mdraid.dev/mdassemble-ng/internal/mdcore"
	"git.mdraid.dev/mdassemble-ng/internal/registry"
)

func uuid(b byte) mdcore.UUID {
	var u mdcore.UUID
	for i := range u {
		u[i] = b
	}
	return u
}

func TestUpsertThenLookup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "map")
	reg := registry.Open(path)

	entry := registry.Entry{
		Devnum:          0,
		MetadataVersion: "1.2",
		ArrayUUID:       uuid(0xab),
		DisplayName:     "myhost:vol0",
		LastPath:        "/dev/md0",
	}
	require.NoError(t, reg.Upsert(entry))

	got, ok, err := reg.Lookup(entry.ArrayUUID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, entry, got)

	_, ok, err = reg.Lookup(uuid(0xcd))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpsertReplacesExistingRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "map")
	reg := registry.Open(path)

	id := uuid(0x11)
	require.NoError(t, reg.Upsert(registry.Entry{Devnum: 0, MetadataVersion: "1.2", ArrayUUID: id, DisplayName: "old", LastPath: "/dev/md0"}))
	require.NoError(t, reg.Upsert(registry.Entry{Devnum: 1, MetadataVersion: "1.2", ArrayUUID: id, DisplayName: "new", LastPath: "/dev/md1"}))

	got, ok, err := reg.Lookup(id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, got.Devnum)
	assert.Equal(t, "new", got.DisplayName)
	assert.Equal(t, "/dev/md1", got.LastPath)
}

func TestRemoveDeletesRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "map")
	reg := registry.Open(path)

	a, b := uuid(0x01), uuid(0x02)
	require.NoError(t, reg.Upsert(registry.Entry{Devnum: 0, MetadataVersion: "1.2", ArrayUUID: a, DisplayName: "a"}))
	require.NoError(t, reg.Upsert(registry.Entry{Devnum: 1, MetadataVersion: "1.2", ArrayUUID: b, DisplayName: "b"}))

	require.NoError(t, reg.Remove(a))

	_, ok, err := reg.Lookup(a)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = reg.Lookup(b)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLookupOnMissingFileCreatesIt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "map")
	reg := registry.Open(path)

	_, ok, err := reg.Lookup(uuid(0x01))
	require.NoError(t, err)
	assert.False(t, ok)
	_, statErr := os.Stat(path)
	assert.NoError(t, statErr)
}

func TestMalformedLineIsSkippedNotFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "map")
	require.NoError(t, os.WriteFile(path, []byte("this is not a valid registry line\n"), 0644))

	reg := registry.Open(path)
	_, ok, err := reg.Lookup(uuid(0x01))
	require.NoError(t, err)
	assert.False(t, ok)

	// Upsert must still succeed and must not preserve the garbage line.
	id := uuid(0x03)
	require.NoError(t, reg.Upsert(registry.Entry{Devnum: 2, MetadataVersion: "1.2", ArrayUUID: id, DisplayName: "c"}))
	got, ok, err := reg.Lookup(id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "c", got.DisplayName)
	raw, readErr := os.ReadFile(path)
	require.NoError(t, readErr)
	assert.NotContains(t, string(raw), "this is not a valid registry line")
}
