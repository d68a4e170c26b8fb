// SPDX-License-Identifier: GPL-2.0-or-later

package super1

import (
	"os"

	"git.mdraid.dev/mdassemble-ng/internal/binstruct"
	"git.mdraid.dev/mdassemble-ng/internal/diskio"
	"git.mdraid.dev/mdassemble-ng/internal/mdcore"
	"git.mdraid.dev/mdassemble-ng/internal/mdplugin"
)

// BitmapMagic identifies the write-intent bitmap sidecar header.
const BitmapMagic uint32 = 0x6d746962

// BitmapVersion is the only bitmap superblock version this codec
// writes.
const BitmapVersion uint32 = 4

// defaultBitmapChunk is the practical default internal-bitmap chunk
// size: 64MiB, chosen so a reasonably large array still fits within
// the 128KiB bitmap-space cap (spec.md §4.I).
const defaultBitmapChunk = 64 * 1024 * 1024

// minBitmapChunk is the smallest chunk size this codec will place;
// sub-page chunks are not supported.
const minBitmapChunk = 4096

// BitmapHeader is the 512-byte sidecar header stored at bitmap_offset
// sectors from the superblock, wire-compatible with the kernel's
// bitmap_super_s (spec.md §4.I).
type BitmapHeader struct {
	Magic       uint32   `bin:"off=0x0,  siz=0x4"`
	Version     uint32   `bin:"off=0x4,  siz=0x4"`
	UUID        [16]byte `bin:"off=0x8,  siz=0x10"`
	Events      uint64   `bin:"off=0x18, siz=0x8"`
	EventsCleared uint64 `bin:"off=0x20, siz=0x8"`
	State       uint32   `bin:"off=0x28, siz=0x4"`
	ChunkSize   uint32   `bin:"off=0x2c, siz=0x4"`
	DaemonSleep uint32   `bin:"off=0x30, siz=0x4"`
	WriteBehind uint32   `bin:"off=0x34, siz=0x4"`
	SyncSize    uint64   `bin:"off=0x38, siz=0x8"`

	Pad [0x1b0]byte `bin:"off=0x40, siz=0x1b0"`

	binstruct.End `bin:"off=0x200"`
}

// bitmapRoomSectors mirrors original_source/super1.c's choose_bm_space
// when called with may_change (the "placing a fresh internal bitmap"
// path): the same adaptive reserve AvailSize subtracts, already capped
// at 256 sectors (128KiB).
func bitmapRoomSectors(arraySectors uint64) uint64 {
	return bitmapReserveSectors(arraySectors)
}

// AddInternalBitmap places a write-intent bitmap sidecar between the
// superblock and the data region (minor 1/2) or before the superblock
// (minor 0), choosing a power-of-two chunk size that keeps the bitmap
// within the reserved room, per spec.md §4.I.
func AddInternalBitmap(v *View, opts mdplugin.BitmapOptions) error {
	room := bitmapRoomSectors(v.Sb.Size)
	if room == 0 {
		return &mdcore.BitmapSpace{Path: v.Path, Reason: "no room reserved for a bitmap"}
	}

	maxBits := (room*sectorBytes - bitmapHeaderSize) * 8

	chunk := uint32(minBitmapChunk)
	bits := v.Sb.Size*sectorBytes/uint64(chunk) + 1
	for bits > maxBits {
		chunk *= 2
		bits = (bits + 1) / 2
	}
	if opts.ChunkBytes == 0 {
		if chunk < defaultBitmapChunk {
			chunk = defaultBitmapChunk
		}
	} else if opts.ChunkBytes < chunk {
		return &mdcore.BitmapSpace{Path: v.Path, Reason: "requested chunk size too small for the reserved room"}
	} else {
		chunk = opts.ChunkBytes
	}

	var offset int32
	switch v.Minor {
	case MinorVersionAtEnd:
		offset = -int32(room)
	default:
		offset = 4 * 2
	}

	v.Sb.BitmapOffset = offset
	v.Sb.FeatureMap |= FeatureBitmap

	arraySize := opts.ArraySize
	if arraySize == 0 {
		arraySize = v.Sb.Size
	}

	v.Bitmap = BitmapHeader{
		Magic:       BitmapMagic,
		Version:     BitmapVersion,
		UUID:        v.Sb.SetUUID,
		ChunkSize:   chunk,
		DaemonSleep: opts.DelaySeconds,
		SyncSize:    arraySize,
		WriteBehind: opts.WriteBehind,
	}
	v.HasBitmap = true
	return nil
}

const bitmapHeaderSize = 0x200

// bitmapByteOffset computes the absolute device offset of the bitmap
// sidecar, matching original_source/super1.c's locate_bitmap1: the
// superblock's sector plus the signed bitmap_offset, both in sectors.
func bitmapByteOffset(v *View) int64 {
	return (int64(v.Sb.SuperOffset) + int64(v.Sb.BitmapOffset)) * sectorBytes
}

// LoadBitmapHeader reads the bitmap sidecar for v when the bitmap
// feature bit is set, leaving v.HasBitmap false (not an error) if the
// magic doesn't match — a stale region from a previous --no-bitmap.
func LoadBitmapHeader(osFile *os.File, v *View) error {
	if v.Sb.FeatureMap&FeatureBitmap == 0 {
		return nil
	}
	buf := make([]byte, bitmapHeaderSize)
	if _, err := diskio.AlignedReadAt(osFile, buf, bitmapByteOffset(v)); err != nil {
		return &mdcore.IoError{Path: v.Path, Op: "read bitmap header", Err: err}
	}
	var bm BitmapHeader
	if _, err := binstruct.Unmarshal(buf, &bm); err != nil {
		return &mdcore.InvalidSuperblock{Path: v.Path, Reason: err.Error()}
	}
	if bm.Magic != BitmapMagic {
		return nil
	}
	v.Bitmap = bm
	v.HasBitmap = true
	return nil
}

// StoreBitmapHeader writes v.Bitmap to its sidecar location when
// v.HasBitmap is set.
func StoreBitmapHeader(osFile *os.File, v *View) error {
	if !v.HasBitmap {
		return nil
	}
	buf, err := binstruct.Marshal(v.Bitmap)
	if err != nil {
		return err
	}
	if _, err := diskio.AlignedWriteAt(osFile, buf, bitmapByteOffset(v)); err != nil {
		return &mdcore.IoError{Path: v.Path, Op: "write bitmap header", Err: err}
	}
	return nil
}
