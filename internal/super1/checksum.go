// SPDX-License-Identifier: GPL-2.0-or-later

package super1

import (
	"encoding/binary"

	"git.mdraid.dev/mdassemble-ng/internal/binstruct"
)

// Checksum computes the folded one's-complement-style checksum over
// the header and role table (sb_csum zeroed during the sum), matching
// original_source/super1.c's calc_sb_1_csum(): treat the region as a
// run of little-endian 32-bit words, accumulate into a 64-bit sum,
// fold the high and low halves together, with a trailing 16-bit word
// if the region isn't a multiple of 4 bytes.
func Checksum(sb Superblock, roles Roles) (uint32, error) {
	sb.SbCsum = 0
	hdr, err := binstruct.Marshal(sb)
	if err != nil {
		return 0, err
	}

	roleBytes := make([]byte, len(roles)*2)
	for i, r := range roles {
		binary.LittleEndian.PutUint16(roleBytes[i*2:], r)
	}

	buf := append(hdr, roleBytes...)

	var sum uint64
	i := 0
	for ; i+4 <= len(buf); i += 4 {
		sum += uint64(binary.LittleEndian.Uint32(buf[i:]))
	}
	if len(buf)-i == 2 {
		sum += uint64(binary.LittleEndian.Uint16(buf[i:]))
	}
	return uint32(sum) + uint32(sum>>32), nil
}

// VerifyChecksum recomputes the checksum and compares it against
// sb.SbCsum.
func VerifyChecksum(sb Superblock, roles Roles) (bool, error) {
	want, err := Checksum(sb, roles)
	if err != nil {
		return false, err
	}
	return want == sb.SbCsum, nil
}
