package super1

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.mdraid.dev/mdassemble-ng/internal/mdplugin"
)

func TestAddInternalBitmapRefusesWhenNoRoomReserved(t *testing.T) {
	v := newTestView(MinorVersionAtStart, 2)
	v.Sb.Size = 10 // far below the 128-sector floor, so bitmapRoomSectors is 0
	err := AddInternalBitmap(v, mdplugin.BitmapOptions{})
	assert.Error(t, err)
	assert.False(t, v.HasBitmap)
}

func TestAddInternalBitmapSetsFeatureAndHeader(t *testing.T) {
	v := newTestView(MinorVersionAtStart, 2)
	v.Sb.Size = 8 * 1024 * 1024 // 4GiB in sectors, comfortably above the 4KiB-reserve floor
	v.Sb.SetUUID = [16]byte{1, 2, 3, 4}

	require.NoError(t, AddInternalBitmap(v, mdplugin.BitmapOptions{}))

	assert.True(t, v.HasBitmap)
	assert.NotZero(t, v.Sb.FeatureMap&FeatureBitmap)
	assert.Equal(t, BitmapMagic, v.Bitmap.Magic)
	assert.Equal(t, v.Sb.SetUUID, v.Bitmap.UUID)
	assert.Equal(t, v.Sb.Size, v.Bitmap.SyncSize)
}

func TestAddInternalBitmapRejectsChunkTooSmallForRoom(t *testing.T) {
	v := newTestView(MinorVersionAtStart, 2)
	v.Sb.Size = 400 * 1024 * 1024 * 1024 / sectorBytes // past the 200GiB boundary, needs a large chunk
	err := AddInternalBitmap(v, mdplugin.BitmapOptions{ChunkBytes: minBitmapChunk})
	assert.Error(t, err)
}

func TestBitmapHeaderSurvivesStoreAndLoad(t *testing.T) {
	f := openScratchFile(t, 8*1024*1024)
	devSectors := uint64(8 * 1024 * 1024 / sectorBytes)

	v := newTestView(MinorVersionAtStart, 2)
	v.Sb.Size = devSectors - 64
	v.Sb.SuperOffset, _ = Location(v.Minor, devSectors)
	v.Path = f.Name()
	v.Sb.SetUUID = [16]byte{9, 8, 7}

	require.NoError(t, AddInternalBitmap(v, mdplugin.BitmapOptions{DelaySeconds: 5}))
	require.NoError(t, Store(f, v))

	got, err := Load(f, MinorVersionAtStart)
	require.NoError(t, err)

	require.True(t, got.HasBitmap)
	assert.Equal(t, BitmapMagic, got.Bitmap.Magic)
	assert.Equal(t, v.Bitmap.ChunkSize, got.Bitmap.ChunkSize)
	assert.Equal(t, uint32(5), got.Bitmap.DaemonSleep)
}
