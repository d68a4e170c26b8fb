// SPDX-License-Identifier: GPL-2.0-or-later

package diskio

import (
	"os"

	"golang.org/x/sys/unix"
)

// Linux block-device ioctl numbers the kernel exposes for sector size
// and raw capacity. Not in golang.org/x/sys/unix as named constants for
// every arch, so they're spelled out the way mdadm's util.c does.
const (
	blkSSZGet  = 0x1268 // BLKSSZGET: logical sector size, int
	blkGetSize = 0x1272 // BLKGETSIZE64: size in bytes, uint64
)

// SectorSize returns the device's logical sector size, falling back to
// 512 for anything that isn't a block device (regular files used in
// tests, sparse backing files, …).
func SectorSize(f *os.File) int {
	sz, err := unix.IoctlGetInt(int(f.Fd()), blkSSZGet)
	if err != nil || sz <= 0 {
		return 512
	}
	return sz
}

// DeviceSizeBytes returns the device's raw capacity in bytes via
// BLKGETSIZE64, falling back to stat size for regular files.
func DeviceSizeBytes(f *os.File) (int64, error) {
	sz, err := unix.IoctlGetUint64(int(f.Fd()), blkGetSize)
	if err == nil && sz > 0 {
		return int64(sz), nil
	}
	fi, statErr := f.Stat()
	if statErr != nil {
		return 0, statErr
	}
	return fi.Size(), nil
}

// AlignedReadAt reads exactly len(p) bytes at byte offset off, promoting
// the I/O to a full sector-aligned read when the device's sector size
// is larger than len(p), per mdadm's aread(): read a whole sector into
// a scratch buffer and copy out only the bytes the caller wanted.
//
// off must itself be sector-aligned; the value the caller asked to read
// does not need to be.
func AlignedReadAt(f *os.File, p []byte, off int64) (int, error) {
	bsize := SectorSize(f)
	if bsize <= len(p) {
		return f.ReadAt(p, off)
	}
	if bsize > 4096 {
		bsize = 4096
	}
	scratch := make([]byte, bsize)
	n, err := f.ReadAt(scratch, off)
	if n <= 0 {
		return n, err
	}
	if n > len(p) {
		n = len(p)
	}
	copy(p, scratch[:n])
	return n, nil
}

// AlignedWriteAt writes len(p) bytes at byte offset off, promoting the
// I/O to a full sector-aligned read-modify-write when the device's
// sector size is larger than len(p), mirroring mdadm's awrite(): the
// sector is first read so bytes past len(p) aren't clobbered, then the
// caller's bytes are spliced in and the whole sector rewritten.
func AlignedWriteAt(f *os.File, p []byte, off int64) (int, error) {
	bsize := SectorSize(f)
	if bsize <= len(p) {
		return f.WriteAt(p, off)
	}
	if bsize > 4096 {
		bsize = 4096
	}
	scratch := make([]byte, bsize)
	n, err := f.ReadAt(scratch, off)
	if n <= 0 && err != nil {
		return 0, err
	}
	copy(scratch, p)
	if _, err := f.WriteAt(scratch, off); err != nil {
		return 0, err
	}
	return len(p), nil
}
