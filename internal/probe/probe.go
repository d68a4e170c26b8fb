// SPDX-License-Identifier: GPL-2.0-or-later

// Package probe opens candidate block devices the way the assembly
// engine needs them opened: exclusively, with the retry-on-EBUSY loop
// mdadm uses to wait out a device's current holder, and with the
// major:minor pair read back via fstat so later stages (the kernel
// handoff's add-disk call) don't have to re-stat (spec.md §4.A).
package probe

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"git.mdraid.dev/mdassemble-ng/internal/diskio"
	"git.mdraid.dev/mdassemble-ng/internal/mdcore"
)

// excludeRetries and excludeBackoff mirror original_source/util.c's
// open_dev_excl: 25 attempts, 200ms apart.
const (
	excludeRetries = 25
	excludeBackoff = 200 * time.Millisecond
)

// DevNum is a Linux device number pair.
type DevNum struct {
	Major, Minor uint32
}

func (d DevNum) String() string { return fmt.Sprintf("%d:%d", d.Major, d.Minor) }

// Opened is a successfully probed device: the open file plus the
// identity fstat gave back for free.
type Opened struct {
	File   *diskio.OSFile
	DevNum DevNum
}

// OpenExclusive opens path O_RDWR|O_EXCL, retrying while the open
// fails with EBUSY — another process (most often udev) transiently
// holding the device open — up to excludeRetries times, honouring ctx
// cancellation between attempts.
func OpenExclusive(ctx context.Context, path string) (*Opened, error) {
	var (
		f   *os.File
		err error
	)
	for attempt := 0; attempt < excludeRetries; attempt++ {
		f, err = os.OpenFile(path, os.O_RDWR|os.O_EXCL, 0)
		if err == nil {
			break
		}
		if !isBusy(err) {
			return nil, &mdcore.IoError{Path: path, Op: "open", Err: err}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(excludeBackoff):
		}
	}
	if err != nil {
		return nil, &mdcore.IoError{Path: path, Op: "open", Err: err}
	}

	var stat unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &stat); err != nil {
		f.Close()
		return nil, &mdcore.IoError{Path: path, Op: "fstat", Err: err}
	}
	if stat.Mode&unix.S_IFMT != unix.S_IFBLK {
		f.Close()
		return nil, &mdcore.InvalidSuperblock{Path: path, Reason: "not a block device"}
	}

	return &Opened{
		File: &diskio.OSFile{File: f},
		DevNum: DevNum{
			Major: uint32(unix.Major(uint64(stat.Rdev))),
			Minor: uint32(unix.Minor(uint64(stat.Rdev))),
		},
	}, nil
}

func isBusy(err error) bool {
	return isErrno(err, unix.EBUSY)
}

func isErrno(err error, errno unix.Errno) bool {
	for err != nil {
		if e, ok := err.(unix.Errno); ok {
			return e == errno
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
