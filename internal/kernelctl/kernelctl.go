// SPDX-License-Identifier: GPL-2.0-or-later

// Package kernelctl is the Kernel Handoff: the abstracted control
// interface the assembly engine uses to tell the kernel's md driver
// about an array's devices and bring it up, and the run-decision and
// post-start reopen logic layered on top of it (spec.md §4.G).
package kernelctl

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"git.mdraid.dev/mdassemble-ng/internal/diskio"
	"git.mdraid.dev/mdassemble-ng/internal/mdcore"
	"git.mdraid.dev/mdassemble-ng/internal/resolve"
)

// ArrayInfo is what SetArrayInfo hands the kernel and GetArrayInfo
// reads back: the format-neutral array shape.
type ArrayInfo struct {
	MajorVersion, MinorVersion int32
	CTime                      uint32
	Level                      int32
	Size                       int32
	RaidDisks                  int32
	MdMinor                    int32
	Layout                     int32
	ChunkSize                  int32
	State                      uint32 // bit 0: clean
}

// DiskInfo is what AddDisk hands the kernel for one member.
type DiskInfo struct {
	Number   int32
	Major    int32
	Minor    int32
	RaidDisk int32 // -1 for a spare
	State    uint32
}

const diskStateActiveSync = diskActive | diskSync

// ReshapeState is the reshape-in-progress slice of a superblock's
// ArrayInfo that Start needs but the kernel ioctl shape doesn't carry,
// sourced from the plugin-reported mdplugin.ArrayInfo instead.
type ReshapeState struct {
	Active     bool
	DeltaDisks int32
}

// Controller is the interface the rest of the engine drives the
// kernel through; the real implementation is ioctl-backed, but tests
// substitute an in-memory fake.
type Controller interface {
	SetArrayInfo(info ArrayInfo) error
	AddDisk(disk DiskInfo) error
	RunArray() error
	StopArray() error
	StopArrayReadonly() error
	RestartArrayRW() error
	GetArrayInfo() (ArrayInfo, error)
	SetBitmapFile(fd int) error
	// GetVersion reports the md driver's RAID_VERSION as its major,
	// minor and patch parts; Start composes them as
	// major*10000+minor*100+patch (versionCode) the way
	// original_source/util.c's md_get_version does.
	GetVersion() (major, minor, patch int32, err error)
	// SetStripeCacheSize writes the stripe_cache_size sysfs attribute
	// for raid4/5/6, a number of 4K pages per device.
	SetStripeCacheSize(pages int) error
}

// IoctlController drives a real /dev/mdN control device via its
// SET_ARRAY_INFO/ADD_NEW_DISK/RUN_ARRAY/STOP_ARRAY family of ioctls,
// plus the /sys/block/mdN/md sysfs directory for attributes the ioctl
// interface doesn't expose.
type IoctlController struct {
	f       *os.File
	sysfsMD string
}

// NewIoctlController wraps an already-open control device. sysfsMD is
// the device's /sys/block/mdN/md directory; pass "" if sysfs-only
// attributes like stripe_cache_size should be silently skipped (e.g.
// container members).
func NewIoctlController(f *os.File, sysfsMD string) *IoctlController {
	return &IoctlController{f: f, sysfsMD: sysfsMD}
}

func (c *IoctlController) ioctl(cmd uintptr, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, c.f.Fd(), cmd, arg)
	if errno != 0 {
		return errno
	}
	return nil
}

func (c *IoctlController) SetArrayInfo(info ArrayInfo) error {
	raw := arrayInfo{
		MajorVersion: info.MajorVersion,
		MinorVersion: info.MinorVersion,
		CTime:        info.CTime,
		Level:        info.Level,
		Size:         info.Size,
		RaidDisks:    info.RaidDisks,
		MdMinor:      info.MdMinor,
		State:        info.State,
		Layout:       info.Layout,
		ChunkSize:    info.ChunkSize,
	}
	if err := c.ioctl(setArrayInfo, uintptr(unsafe.Pointer(&raw))); err != nil {
		return &mdcore.KernelRejected{Op: "SET_ARRAY_INFO", Err: err}
	}
	return nil
}

func (c *IoctlController) AddDisk(disk DiskInfo) error {
	raw := diskInfo{
		Number:   disk.Number,
		Major:    disk.Major,
		Minor:    disk.Minor,
		RaidDisk: disk.RaidDisk,
		State:    int32(disk.State),
	}
	if err := c.ioctl(addNewDisk, uintptr(unsafe.Pointer(&raw))); err != nil {
		return &mdcore.KernelRejected{Op: "ADD_NEW_DISK", Err: err}
	}
	return nil
}

func (c *IoctlController) RunArray() error {
	if err := c.ioctl(runArray, 0); err != nil {
		return &mdcore.KernelRejected{Op: "RUN_ARRAY", Err: err}
	}
	return nil
}

func (c *IoctlController) StopArray() error {
	if err := c.ioctl(stopArray, 0); err != nil {
		return &mdcore.KernelRejected{Op: "STOP_ARRAY", Err: err}
	}
	return nil
}

func (c *IoctlController) StopArrayReadonly() error {
	if err := c.ioctl(stopArrayReadonly, 0); err != nil {
		return &mdcore.KernelRejected{Op: "STOP_ARRAY_RO", Err: err}
	}
	return nil
}

func (c *IoctlController) RestartArrayRW() error {
	if err := c.ioctl(restartArrayRW, 0); err != nil {
		return &mdcore.KernelRejected{Op: "RESTART_ARRAY_RW", Err: err}
	}
	return nil
}

func (c *IoctlController) GetArrayInfo() (ArrayInfo, error) {
	var raw arrayInfo
	if err := c.ioctl(getArrayInfo, uintptr(unsafe.Pointer(&raw))); err != nil {
		return ArrayInfo{}, &mdcore.KernelRejected{Op: "GET_ARRAY_INFO", Err: err}
	}
	return ArrayInfo{
		MajorVersion: raw.MajorVersion,
		MinorVersion: raw.MinorVersion,
		CTime:        raw.CTime,
		Level:        raw.Level,
		Size:         raw.Size,
		RaidDisks:    raw.RaidDisks,
		MdMinor:      raw.MdMinor,
		State:        raw.State,
		Layout:       raw.Layout,
		ChunkSize:    raw.ChunkSize,
	}, nil
}

func (c *IoctlController) SetBitmapFile(fd int) error {
	if err := c.ioctl(setBitmapFile, uintptr(fd)); err != nil {
		return &mdcore.KernelRejected{Op: "SET_BITMAP_FILE", Err: err}
	}
	return nil
}

func (c *IoctlController) GetVersion() (major, minor, patch int32, err error) {
	var raw versionInfo
	if ioctlErr := c.ioctl(raidVersion, uintptr(unsafe.Pointer(&raw))); ioctlErr != nil {
		return 0, 0, 0, &mdcore.KernelRejected{Op: "RAID_VERSION", Err: ioctlErr}
	}
	return raw.Major, raw.Minor, raw.Patch, nil
}

func (c *IoctlController) SetStripeCacheSize(pages int) error {
	if c.sysfsMD == "" {
		return nil
	}
	path := filepath.Join(c.sysfsMD, "stripe_cache_size")
	if err := os.WriteFile(path, []byte(strconv.Itoa(pages)), 0644); err != nil {
		return &mdcore.IoError{Path: path, Op: "write stripe_cache_size", Err: err}
	}
	return nil
}

// RunDecision reports whether the resolved set should actually be
// handed to RUN_ARRAY: runstop forces it unconditionally (an operator
// override), otherwise the level-specific Enough() predicate gates it
// (spec.md §4.G).
func RunDecision(runstop bool, level int32, raidDisks uint32, layout uint32, clean bool, result *resolve.Result) bool {
	if runstop {
		return true
	}
	return resolve.Enough(level, raidDisks, layout, clean, result.Filled())
}

// minDriverVersion is the lowest RAID_VERSION this core will hand an
// array to, composed the way versionCode composes it: 0.90.0,
// original_source/Assemble.c's "Assemble requires driver version
// 0.90.0 or later" gate.
const minDriverVersion = 9000

func versionCode(major, minor, patch int32) int32 {
	return major*10000 + minor*100 + patch
}

// stripeCacheSizePages is the stripe_cache_size (in 4K pages per
// device) original_source/Assemble.c raises a running reshape to when
// the chunk size demands more than the kernel's default of 256: four
// pages per 4K of chunk, plus one. chunkSectors is in 512-byte
// sectors, ArrayInfo.ChunkSize's on-disk unit.
func stripeCacheSizePages(chunkSectors int32) int {
	chunkBytes := int64(chunkSectors) * 512
	pages := 4 * chunkBytes / 4096
	if pages <= 256 {
		return 0
	}
	return int(pages) + 1
}

// Start drives the full handoff sequence (spec.md §4.G): probe the
// kernel's driver version and refuse stale kernels, abort if the
// node is already running an array, issue a defensive stop in case
// it was pre-created but left empty, set the array shape, add every
// filled slot (non-chosen members first, the slot holding the device
// the superblock choices were read from added last, matching
// original_source/Assemble.c's disk-add ordering), run the array if
// the run decision allows it, and on success bump the stripe cache
// for an in-progress parity-level reshape.
func Start(ctrl Controller, info ArrayInfo, result *resolve.Result, chosenRole int, runstop bool, layout uint32, reshape ReshapeState) error {
	major, minor, patch, err := ctrl.GetVersion()
	if err != nil {
		return err
	}
	if versionCode(major, minor, patch) < minDriverVersion {
		return &mdcore.UnsupportedKernel{Version: fmt.Sprintf("%d.%d.%d", major, minor, patch)}
	}

	if _, err := ctrl.GetArrayInfo(); err == nil {
		return &mdcore.AlreadyActive{Devnum: int(info.MdMinor)}
	}

	_ = ctrl.StopArray() // just in case the node was pre-created but has no content

	if err := ctrl.SetArrayInfo(info); err != nil {
		return err
	}

	var chosen *resolve.Slot
	for i := range result.Slots {
		s := &result.Slots[i]
		if !s.Filled {
			continue
		}
		if int(s.Role) == chosenRole {
			chosen = s
			continue
		}
		if err := addSlot(ctrl, s); err != nil {
			return err
		}
	}
	if chosen != nil {
		if err := addSlot(ctrl, chosen); err != nil {
			return err
		}
	}

	if !RunDecision(runstop, info.Level, uint32(info.RaidDisks), layout, result.Clean, result) {
		return &mdcore.NotEnoughDevices{Have: result.OKCount, Need: int(info.RaidDisks), Clean: result.Clean}
	}
	if err := ctrl.RunArray(); err != nil {
		return err
	}

	if reshape.Active && info.Level >= 4 && info.Level <= 6 {
		if pages := stripeCacheSizePages(info.ChunkSize); pages > 0 {
			if err := ctrl.SetStripeCacheSize(pages); err != nil {
				return err
			}
		}
	}
	return nil
}

func addSlot(ctrl Controller, s *resolve.Slot) error {
	return ctrl.AddDisk(DiskInfo{
		Number:   int32(s.Record.Info.DevNumber),
		Major:    int32(s.Record.DevNum.Major),
		Minor:    int32(s.Record.DevNum.Minor),
		RaidDisk: int32(s.Role),
		State:    diskStateActiveSync,
	})
}

// reopenInitialBackoff and reopenCap bound the post-start reopen race
// mitigation: if mdadm --monitor (or any other observer) opens the
// node before the auto-assembly caller closes its own control
// descriptor, that observer gets an incomplete open on which I/O
// doesn't work and capacity reads zero. original_source/Assemble.c's
// inline retry loop after a successful RUN_ARRAY reopens with
// microsecond backoff doubling every attempt, until capacity is
// non-zero or about a second has passed; this is distinct from
// original_source/util.c's wait_for, which instead polls for the
// node's device number to appear and uses a flat 200ms/25-attempt
// schedule for a different race (node creation, not capacity).
const (
	reopenInitialBackoff = time.Microsecond
	reopenCap            = time.Second
)

// ReopenAfterStart reopens path after RunArray, retrying with
// exponential microsecond backoff until the device reports a nonzero
// capacity or reopenCap elapses.
func ReopenAfterStart(ctx context.Context, path string) (*os.File, error) {
	deadline := time.Now().Add(reopenCap)
	backoff := reopenInitialBackoff
	var lastErr error
	for time.Now().Before(deadline) {
		f, err := os.OpenFile(path, os.O_RDONLY, 0)
		if err == nil {
			size, sizeErr := diskio.DeviceSizeBytes(f)
			if sizeErr == nil && size > 0 {
				return f, nil
			}
			f.Close()
			lastErr = sizeErr
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("reopen %s after start: timed out waiting for nonzero capacity: %w", path, lastErr)
}
