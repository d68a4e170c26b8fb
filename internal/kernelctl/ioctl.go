// SPDX-License-Identifier: GPL-2.0-or-later

package kernelctl

import "unsafe"

// mdMajor is the ioctl "type" byte the kernel's md driver registers
// its control commands under (linux/raid/md_u.h's MD_MAJOR).
const mdMajor = 9

const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, nr uintptr, size uintptr) uintptr {
	return dir<<30 | size<<16 | mdMajor<<8 | nr
}

func ior(nr uintptr, size uintptr) uintptr  { return ioc(iocRead, nr, size) }
func iow(nr uintptr, size uintptr) uintptr  { return ioc(iocWrite, nr, size) }
func ioNoArg(nr uintptr) uintptr            { return ioc(iocNone, nr, 0) }

// arrayInfo is the fixed layout of mdu_array_info_t, used only to size
// the SET/GET_ARRAY_INFO ioctls correctly.
type arrayInfo struct {
	MajorVersion, MinorVersion, PatchVersion int32
	CTime                                    uint32
	Level, Size, NrDisks, RaidDisks          int32
	MdMinor, NotPersistent                   int32
	UTime                                    uint32
	State, ActiveDisks, WorkingDisks         uint32
	FailedDisks, SpareDisks                  uint32
	Layout, ChunkSize                        int32
}

// diskInfo is the fixed layout of mdu_disk_info_t.
type diskInfo struct {
	Number, Major, Minor, RaidDisk, State int32
}

// versionInfo is the fixed layout of mdu_version_t, returned by
// RAID_VERSION.
type versionInfo struct {
	Major, Minor, Patch int32
}

var (
	sizeofArrayInfo = unsafe.Sizeof(arrayInfo{})
	sizeofDiskInfo  = unsafe.Sizeof(diskInfo{})
	sizeofVersion   = unsafe.Sizeof(versionInfo{})
)

// Ioctl command numbers, computed the way the kernel's headers define
// them rather than hand-copied, per linux/raid/md_u.h.
var (
	raidVersion       = ior(0x10, sizeofVersion)
	getArrayInfo      = ior(0x11, sizeofArrayInfo)
	addNewDisk        = iow(0x21, sizeofDiskInfo)
	setArrayInfo      = iow(0x23, sizeofArrayInfo)
	hotAddDisk        = ioNoArg(0x28)
	setBitmapFile     = iow(0x2b, unsafe.Sizeof(int32(0)))
	runArray          = ioNoArg(0x30)
	stopArray         = ioNoArg(0x32)
	stopArrayReadonly = ioNoArg(0x33)
	restartArrayRW    = ioNoArg(0x34)
)

// Disk state bits, mdu_disk_info_t.state.
const (
	diskFaulty uint32 = 1 << 0
	diskActive uint32 = 1 << 1
	diskSync   uint32 = 1 << 2
)
