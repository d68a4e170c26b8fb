// SPDX-License-Identifier: GPL-2.0-or-later

// Package super1 implements the primary on-disk metadata format: the
// 256-byte fixed superblock header plus its variable-length role
// table, the folded one's-complement-style checksum, the write-intent
// bitmap sidecar, and the named update verbs the Force/Update Engine
// applies to it. The wire layout is bit-for-bit compatible with the
// kernel's "1.x" metadata generation (spec.md §6).
package super1

import (
	"git.mdraid.dev/mdassemble-ng/internal/binstruct"
	"git.mdraid.dev/mdassemble-ng/internal/mdcore"
)

// Magic is the little-endian on-disk magic number identifying a
// primary-format superblock.
const Magic uint32 = 0xa92b4efc

// MajorVersion is the only major version this codec understands.
const MajorVersion uint32 = 1

// MinorVersion selects the on-disk placement of the superblock; it is
// a placement choice only, not a format difference (spec.md §3).
type MinorVersion uint32

const (
	MinorVersionAtEnd   MinorVersion = 0
	MinorVersionAtStart MinorVersion = 1
	MinorVersion4K      MinorVersion = 2
)

// feature_map bits.
const (
	FeatureBitmap          uint32 = 1 << 0
	FeatureRecoveryOffset  uint32 = 1 << 1
	FeatureReshapeActive   uint32 = 1 << 2
	FeatureAll             uint32 = FeatureBitmap | FeatureRecoveryOffset | FeatureReshapeActive
)

// devflags bits.
const DevFlagWriteMostly uint8 = 1 << 0

// Role table sentinel values.
const (
	RoleSpare  uint16 = 0xFFFF
	RoleFaulty uint16 = 0xFFFE
)

// MaxSector is the "no meaningful offset" sentinel used by
// recovery_offset and resync_offset: all bits set.
const MaxSector uint64 = 0xFFFFFFFFFFFFFFFF

// RAID levels, matching the signed values mdadm stores in the level
// field.
const (
	LevelContainer RaidLevel = -5
	LevelFaulty    RaidLevel = -6
	LevelMultipath RaidLevel = -4
	LevelLinear    RaidLevel = -1
	Level0         RaidLevel = 0
	Level1         RaidLevel = 1
	Level4         RaidLevel = 4
	Level5         RaidLevel = 5
	Level6         RaidLevel = 6
	Level10        RaidLevel = 10
)

type RaidLevel int32

func (l RaidLevel) String() string {
	switch l {
	case LevelContainer:
		return "container"
	case LevelFaulty:
		return "faulty"
	case LevelMultipath:
		return "multipath"
	case LevelLinear:
		return "linear"
	default:
		return "raid" + itoa(int(l))
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Superblock is the 256-byte fixed header, wire-compatible with the
// kernel's struct mdp_superblock_1. All multibyte fields are
// little-endian; binstruct tags encode the exact byte offsets from
// spec.md §6 (cross-checked against the real struct in
// original_source/super1.c, which also accounts for the pad0/pad1/
// pad2/pad3 reserved regions the abbreviated wire table omits).
type Superblock struct {
	Magic        uint32   `bin:"off=0x0,   siz=0x4"`
	MajorVersion uint32   `bin:"off=0x4,   siz=0x4"`
	FeatureMap   uint32   `bin:"off=0x8,   siz=0x4"`
	Pad0         [4]byte  `bin:"off=0xc,   siz=0x4"`
	SetUUID      [16]byte `bin:"off=0x10,  siz=0x10"`
	SetName      [32]byte `bin:"off=0x20,  siz=0x20"`

	CTime uint64    `bin:"off=0x40, siz=0x8"`
	Level RaidLevel `bin:"off=0x48, siz=0x4"`
	Layout uint32   `bin:"off=0x4c, siz=0x4"`
	Size   uint64   `bin:"off=0x50, siz=0x8"`

	ChunkSize    uint32 `bin:"off=0x58, siz=0x4"`
	RaidDisks    uint32 `bin:"off=0x5c, siz=0x4"`
	BitmapOffset int32  `bin:"off=0x60, siz=0x4"`

	NewLevel         int32   `bin:"off=0x64, siz=0x4"`
	ReshapePosition  uint64  `bin:"off=0x68, siz=0x8"`
	DeltaDisks       int32   `bin:"off=0x70, siz=0x4"`
	NewLayout        uint32  `bin:"off=0x74, siz=0x4"`
	NewChunk         uint32  `bin:"off=0x78, siz=0x4"`
	Pad1             [4]byte `bin:"off=0x7c, siz=0x4"`

	DataOffset     uint64   `bin:"off=0x80, siz=0x8"`
	DataSize       uint64   `bin:"off=0x88, siz=0x8"`
	SuperOffset    uint64   `bin:"off=0x90, siz=0x8"`
	RecoveryOffset uint64   `bin:"off=0x98, siz=0x8"`
	DevNumber      uint32   `bin:"off=0xa0, siz=0x4"`
	CntCorrectedRead uint32 `bin:"off=0xa4, siz=0x4"`
	DeviceUUID     [16]byte `bin:"off=0xa8, siz=0x10"`
	DevFlags       uint8    `bin:"off=0xb8, siz=0x1"`
	Pad2           [7]byte  `bin:"off=0xb9, siz=0x7"`

	UTime         uint64  `bin:"off=0xc0, siz=0x8"`
	Events        uint64  `bin:"off=0xc8, siz=0x8"`
	ResyncOffset  uint64  `bin:"off=0xd0, siz=0x8"`
	SbCsum        uint32  `bin:"off=0xd8, siz=0x4"`
	MaxDev        uint32  `bin:"off=0xdc, siz=0x4"`
	Pad3          [32]byte `bin:"off=0xe0, siz=0x20"`

	binstruct.End `bin:"off=0x100"`
}

// Roles is the variable-length role table that follows the 256-byte
// header on disk: 2 bytes per device slot, up to MaxDev entries.
// Stored separately from Superblock because its length depends on
// MaxDev and binstruct structs are fixed-size.
type Roles []uint16

// HeaderSize is the fixed 256-byte header size.
const HeaderSize = 0x100

// RolesSize returns the on-disk byte length of the role table for the
// given max_dev.
func RolesSize(maxDev uint32) int { return int(maxDev) * 2 }

// View is the in-memory owner of a loaded superblock: the parsed
// header, its role table, and the device path it was read from. It is
// the payload carried by a candidate.Record.
type View struct {
	Path   string
	Minor  MinorVersion
	Sb     Superblock
	Roles  Roles

	// EventsCleared is the events value the last "force-one" update
	// on this view set (original_source/super1.c). It lives only in
	// memory: Store does not write it, and the force engine does not
	// read it.
	EventsCleared uint64

	// Bitmap is the write-intent bitmap sidecar, valid when HasBitmap
	// is set (FeatureMap&FeatureBitmap != 0 after a successful Load).
	Bitmap    BitmapHeader
	HasBitmap bool
}

// UUID returns the array identity.
func (v *View) UUID() mdcore.UUID { return mdcore.UUID(v.Sb.SetUUID) }

// DeviceUUID returns the per-device UUID.
func (v *View) DeviceUUID() mdcore.UUID { return mdcore.UUID(v.Sb.DeviceUUID) }

// Name returns the NUL/newline-terminated set_name as a string.
func (v *View) Name() string {
	n := 0
	for n < len(v.Sb.SetName) && v.Sb.SetName[n] != 0 && v.Sb.SetName[n] != '\n' {
		n++
	}
	return string(v.Sb.SetName[:n])
}

// Role returns this device's own role: the entry at index dev_number
// in the role table (spec.md §3 invariant).
func (v *View) Role() uint16 {
	if int(v.Sb.DevNumber) >= len(v.Roles) {
		return RoleFaulty
	}
	return v.Roles[v.Sb.DevNumber]
}

// Clean reports whether the array's resync offset indicates all data
// is in sync: sentinel MaxSector or equal to size.
func (v *View) Clean() bool {
	return v.Sb.ResyncOffset == MaxSector || v.Sb.ResyncOffset >= v.Sb.Size
}
