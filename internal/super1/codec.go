// SPDX-License-Identifier: GPL-2.0-or-later

package super1

import (
	"bytes"
	"fmt"
	"os"

	"git.mdraid.dev/mdassemble-ng/internal/binstruct"
	"git.mdraid.dev/mdassemble-ng/internal/diskio"
	"git.mdraid.dev/mdassemble-ng/internal/mdcore"
	"git.mdraid.dev/mdassemble-ng/internal/mdplugin"
)

const sectorBytes = 512

// readRegionSize is the 1024-byte aligned block load() reads, matching
// original_source/super1.c's `aread(fd, super, 1024)`: the fixed
// header plus enough of the role table for max_dev up to 384.
const readRegionSize = 1024

// Load reads and validates a superblock at the location implied by
// minor from dev, per spec.md §4.B: seek to the version-specific
// location, read a 4KiB-aligned block (promoting short reads on
// 4KiB-sector devices), verify magic, major version, that the stored
// super_offset matches the probed location, and the checksum.
func Load(osFile *os.File, minor MinorVersion) (*View, error) {
	sizeBytes, err := diskio.DeviceSizeBytes(osFile)
	if err != nil {
		return nil, &mdcore.IoError{Path: osFile.Name(), Op: "stat", Err: err}
	}
	devSectors := uint64(sizeBytes) / sectorBytes

	sbSector, ok := Location(minor, devSectors)
	if !ok {
		return nil, &mdcore.InvalidSuperblock{Path: osFile.Name(), Reason: "device too small"}
	}
	off := int64(sbSector) * sectorBytes

	buf := make([]byte, readRegionSize)
	n, err := diskio.AlignedReadAt(osFile, buf, off)
	if err != nil || n != readRegionSize {
		return nil, &mdcore.IoError{Path: osFile.Name(), Op: "read superblock", Err: err}
	}

	var sb Superblock
	if _, err := binstruct.Unmarshal(buf[:HeaderSize], &sb); err != nil {
		return nil, &mdcore.InvalidSuperblock{Path: osFile.Name(), Reason: err.Error()}
	}

	if sb.Magic != Magic {
		return nil, &mdcore.InvalidSuperblock{Path: osFile.Name(), Reason: "bad magic"}
	}
	if sb.MajorVersion != MajorVersion {
		return nil, &mdcore.InvalidSuperblock{Path: osFile.Name(), Reason: "unsupported major version"}
	}
	if sb.SuperOffset != sbSector {
		return nil, &mdcore.InvalidSuperblock{Path: osFile.Name(), Reason: "super_offset does not match probed location"}
	}
	if sb.MaxDev*2+HeaderSize > 1024 {
		return nil, &mdcore.InvalidSuperblock{Path: osFile.Name(), Reason: "max_dev too large"}
	}

	roles := make(Roles, sb.MaxDev)
	roleBytes := buf[HeaderSize:]
	for i := range roles {
		off := i * 2
		if off+2 > len(roleBytes) {
			break
		}
		roles[i] = uint16(roleBytes[off]) | uint16(roleBytes[off+1])<<8
	}

	ok2, err := VerifyChecksum(sb, roles)
	if err != nil {
		return nil, &mdcore.InvalidSuperblock{Path: osFile.Name(), Reason: err.Error()}
	}
	if !ok2 {
		return nil, &mdcore.ChecksumMismatch{Path: osFile.Name()}
	}

	v := &View{
		Path:  osFile.Name(),
		Minor: minor,
		Sb:    sb,
		Roles: roles,
	}
	if err := LoadBitmapHeader(osFile, v); err != nil {
		return nil, err
	}
	return v, nil
}

// LoadGuess tries every minor version (0, 1, 2) and keeps the one that
// loads successfully with the newest ctime, per original_source/
// super1.c's load_super1 minor_version==-1 branch.
func LoadGuess(osFile *os.File) (*View, error) {
	var (
		best    *View
		lastErr error
	)
	for _, minor := range []MinorVersion{MinorVersionAtEnd, MinorVersionAtStart, MinorVersion4K} {
		v, err := Load(osFile, minor)
		if err != nil {
			lastErr = err
			continue
		}
		if best == nil || v.Sb.CTime > best.Sb.CTime {
			best = v
		}
	}
	if best == nil {
		if lastErr == nil {
			lastErr = &mdcore.InvalidSuperblock{Path: osFile.Name(), Reason: "no primary-format superblock found"}
		}
		return nil, lastErr
	}
	return best, nil
}

// Store serialises v back to dev: pads the header+roles to a 512-byte
// multiple, recomputes the checksum, and writes at the canonical
// location with sector-aligned I/O. Writes with max_dev > 384 are
// rejected (spec.md §4.B).
func Store(osFile *os.File, v *View) error {
	if v.Sb.MaxDev > 384 {
		return &mdcore.InvalidSuperblock{Path: v.Path, Reason: "max_dev > 384"}
	}

	csum, err := Checksum(v.Sb, v.Roles)
	if err != nil {
		return err
	}
	v.Sb.SbCsum = csum

	hdr, err := binstruct.Marshal(v.Sb)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	buf.Write(hdr)
	for _, r := range v.Roles {
		buf.WriteByte(byte(r))
		buf.WriteByte(byte(r >> 8))
	}
	// Pad the full role table a rewriter must always refresh, even
	// when only a prefix of it logically changed (spec.md §4.B edge
	// case: "an even write must never truncate the role table").
	out := buf.Bytes()
	if pad := RolesSize(v.Sb.MaxDev) - len(v.Roles)*2; pad > 0 {
		out = append(out, make([]byte, pad)...)
	}
	if rem := len(out) % sectorBytes; rem != 0 {
		out = append(out, make([]byte, sectorBytes-rem)...)
	}

	off := int64(v.Sb.SuperOffset) * sectorBytes
	n, err := diskio.AlignedWriteAt(osFile, out, off)
	if err != nil || n != len(out) {
		return &mdcore.IoError{Path: v.Path, Op: "write superblock", Err: err}
	}

	return StoreBitmapHeader(osFile, v)
}

// GetInfo projects v into the format-neutral ArrayInfo view (spec.md
// §4.B).
func GetInfo(v *View) mdplugin.ArrayInfo {
	return mdplugin.ArrayInfo{
		UUID:      v.UUID(),
		Name:      v.Name(),
		CTime:     v.Sb.CTime,
		Level:     int32(v.Sb.Level),
		Layout:    v.Sb.Layout,
		ChunkSize: v.Sb.ChunkSize,
		RaidDisks: v.Sb.RaidDisks,
		Size:      v.Sb.Size,

		DeviceUUID:     v.DeviceUUID(),
		DevNumber:      v.Sb.DevNumber,
		Role:           v.Role(),
		RecoveryOffset: v.Sb.RecoveryOffset,
		Events:         v.Sb.Events,
		ResyncOffset:   v.Sb.ResyncOffset,
		Clean:          v.Clean(),

		MaxDev:        v.Sb.MaxDev,
		BitmapPresent: v.Sb.FeatureMap&FeatureBitmap != 0,

		ReshapeActive:   v.Sb.FeatureMap&FeatureReshapeActive != 0,
		DeltaDisks:      v.Sb.DeltaDisks,
		ReshapePosition: v.Sb.ReshapePosition,
	}
}

// Compare determines whether two loaded superblocks belong to the
// same array: identity is set_uuid, shape is (ctime, level, layout,
// size, chunk, raid_disks). spec.md §4.B/§4.D.
func Compare(a, b *View) mdplugin.CompareResult {
	if a.Sb.Magic != Magic || b.Sb.Magic != Magic {
		return mdplugin.BadMagic
	}
	if a.UUID() != b.UUID() {
		return mdplugin.BadUUID
	}
	if a.Sb.CTime != b.Sb.CTime ||
		a.Sb.Level != b.Sb.Level ||
		a.Sb.Layout != b.Sb.Layout ||
		a.Sb.Size != b.Sb.Size ||
		a.Sb.ChunkSize != b.Sb.ChunkSize ||
		a.Sb.RaidDisks != b.Sb.RaidDisks {
		return mdplugin.BadShape
	}
	return mdplugin.Equal
}

// MatchHome reports whether v's name begins with "homehost:", spec.md
// §4.B (original_source/super1.c's match_home1).
func MatchHome(v *View, homehost string) bool {
	if homehost == "" {
		return false
	}
	name := v.Name()
	prefix := homehost + ":"
	return len(name) > len(prefix) && name[:len(prefix)] == prefix
}

// ValidateLayout verifies the static size invariant from spec.md §3:
// max_dev*2 + 256 <= 1024.
func ValidateLayout(maxDev uint32) error {
	if maxDev*2+HeaderSize > 1024 {
		return fmt.Errorf("max_dev=%d violates max_dev*2+256<=1024", maxDev)
	}
	return nil
}
