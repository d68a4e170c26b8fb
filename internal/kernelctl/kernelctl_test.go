package kernelctl_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"git.mdraid.dev/mdassemble-ng/internal/candidate"
	"git.mdraid.dev/mdassemble-ng/internal/kernelctl"
	"git.mdraid.dev/mdassemble-ng/internal/mdcore"
	"git.mdraid.dev/mdassemble-ng/internal/probe"
	"git.mdraid.dev/mdassemble-ng/internal/resolve"
)

// fakeController is an in-memory Controller recording what the
// assembly engine tries to hand the kernel, so Start's disk-add
// ordering and run-gating can be checked without a real /dev/mdN.
//
// By default it reports a fresh, never-configured node: GetArrayInfo
// fails (nothing running there yet) and GetVersion reports 0.90.0, so
// Start's version gate and already-active check both pass through
// unless a test explicitly arranges otherwise.
type fakeController struct {
	info      kernelctl.ArrayInfo
	disks     []kernelctl.DiskInfo
	ran       bool
	stopped   bool
	roStopped bool

	alreadyActive   bool
	version         [3]int32
	stripeCacheSize int
}

func newFakeController() *fakeController {
	return &fakeController{version: [3]int32{0, 90, 0}}
}

func (c *fakeController) SetArrayInfo(info kernelctl.ArrayInfo) error {
	c.info = info
	return nil
}
func (c *fakeController) AddDisk(d kernelctl.DiskInfo) error {
	c.disks = append(c.disks, d)
	return nil
}
func (c *fakeController) RunArray() error          { c.ran = true; return nil }
func (c *fakeController) StopArray() error         { c.stopped = true; return nil }
func (c *fakeController) StopArrayReadonly() error { c.roStopped = true; return nil }
func (c *fakeController) RestartArrayRW() error    { return nil }
func (c *fakeController) GetArrayInfo() (kernelctl.ArrayInfo, error) {
	if !c.alreadyActive {
		return kernelctl.ArrayInfo{}, unix.ENODEV
	}
	return c.info, nil
}
func (c *fakeController) SetBitmapFile(fd int) error { return nil }
func (c *fakeController) GetVersion() (major, minor, patch int32, err error) {
	return c.version[0], c.version[1], c.version[2], nil
}
func (c *fakeController) SetStripeCacheSize(pages int) error {
	c.stripeCacheSize = pages
	return nil
}

var _ kernelctl.Controller = (*fakeController)(nil)

func slot(role uint16, filled bool, minor uint32) resolve.Slot {
	return resolve.Slot{
		Role:   role,
		Filled: filled,
		Record: candidate.Record{
			DevNum: probe.DevNum{Major: 9, Minor: minor},
		},
	}
}

func TestStartAddsChosenDiskLast(t *testing.T) {
	result := &resolve.Result{
		Slots: []resolve.Slot{
			slot(0, true, 10),
			slot(1, true, 11),
			slot(2, true, 12),
		},
		OKCount: 3,
		Clean:   true,
	}
	ctrl := newFakeController()
	info := kernelctl.ArrayInfo{Level: 1, RaidDisks: 3}

	err := kernelctl.Start(ctrl, info, result, 1, false, 0, kernelctl.ReshapeState{})
	require.NoError(t, err)

	require.Len(t, ctrl.disks, 3)
	assert.Equal(t, int32(11), ctrl.disks[len(ctrl.disks)-1].Minor, "the chosen role's disk is added last")
	assert.True(t, ctrl.ran)
	assert.True(t, ctrl.stopped, "Start issues a defensive STOP_ARRAY before SET_ARRAY_INFO")
}

func TestStartSkipsUnfilledSlots(t *testing.T) {
	result := &resolve.Result{
		Slots: []resolve.Slot{
			slot(0, true, 10),
			slot(1, false, 0),
			slot(2, true, 12),
		},
		OKCount: 2,
		Clean:   true,
	}
	ctrl := newFakeController()
	info := kernelctl.ArrayInfo{Level: 1, RaidDisks: 3}

	err := kernelctl.Start(ctrl, info, result, 0, false, 0, kernelctl.ReshapeState{})
	require.NoError(t, err)
	assert.Len(t, ctrl.disks, 2)
}

func TestStartRefusesWhenNotEnoughAndNotForced(t *testing.T) {
	result := &resolve.Result{
		Slots: []resolve.Slot{
			slot(0, true, 10),
			slot(1, false, 0),
			slot(2, false, 0),
		},
		OKCount: 1,
		Clean:   false,
	}
	ctrl := newFakeController()
	// RAID-5 (level 5), 3 disks, dirty: needs every disk.
	info := kernelctl.ArrayInfo{Level: 5, RaidDisks: 3}

	err := kernelctl.Start(ctrl, info, result, 0, false, 0, kernelctl.ReshapeState{})
	assert.Error(t, err)
	assert.False(t, ctrl.ran)
}

func TestStartRunstopForcesRunRegardlessOfEnough(t *testing.T) {
	result := &resolve.Result{
		Slots: []resolve.Slot{
			slot(0, true, 10),
			slot(1, false, 0),
			slot(2, false, 0),
		},
		OKCount: 1,
		Clean:   false,
	}
	ctrl := newFakeController()
	info := kernelctl.ArrayInfo{Level: 5, RaidDisks: 3}

	err := kernelctl.Start(ctrl, info, result, 0, true, 0, kernelctl.ReshapeState{})
	require.NoError(t, err)
	assert.True(t, ctrl.ran)
}

func TestStartRejectsKernelOlderThan090(t *testing.T) {
	result := &resolve.Result{Slots: []resolve.Slot{slot(0, true, 10)}, OKCount: 1, Clean: true}
	ctrl := newFakeController()
	ctrl.version = [3]int32{0, 36, 0}
	info := kernelctl.ArrayInfo{Level: 1, RaidDisks: 1}

	err := kernelctl.Start(ctrl, info, result, 0, false, 0, kernelctl.ReshapeState{})
	var unsupported *mdcore.UnsupportedKernel
	require.ErrorAs(t, err, &unsupported)
	assert.False(t, ctrl.ran)
}

func TestStartAbortsWhenDeviceAlreadyActive(t *testing.T) {
	result := &resolve.Result{Slots: []resolve.Slot{slot(0, true, 10)}, OKCount: 1, Clean: true}
	ctrl := newFakeController()
	ctrl.alreadyActive = true
	info := kernelctl.ArrayInfo{Level: 1, RaidDisks: 1, MdMinor: 7}

	err := kernelctl.Start(ctrl, info, result, 0, false, 0, kernelctl.ReshapeState{})
	var busy *mdcore.AlreadyActive
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, 7, busy.Devnum)
	assert.False(t, ctrl.ran)
	assert.False(t, ctrl.stopped, "an already-active node must not be stopped")
}

func TestStartBumpsStripeCacheForActiveReshapeOnParityLevel(t *testing.T) {
	result := &resolve.Result{Slots: []resolve.Slot{slot(0, true, 10)}, OKCount: 1, Clean: true}
	ctrl := newFakeController()
	// 1024-sector (512KiB) chunk: 4*(524288/4096) = 512 > 256, so the
	// cache is bumped to 513 pages.
	info := kernelctl.ArrayInfo{Level: 5, RaidDisks: 1, ChunkSize: 1024}

	err := kernelctl.Start(ctrl, info, result, 0, true, 0, kernelctl.ReshapeState{Active: true, DeltaDisks: 1})
	require.NoError(t, err)
	assert.Equal(t, 513, ctrl.stripeCacheSize)
}

func TestStartLeavesStripeCacheAloneWithoutActiveReshape(t *testing.T) {
	result := &resolve.Result{Slots: []resolve.Slot{slot(0, true, 10)}, OKCount: 1, Clean: true}
	ctrl := newFakeController()
	info := kernelctl.ArrayInfo{Level: 5, RaidDisks: 1, ChunkSize: 1024}

	err := kernelctl.Start(ctrl, info, result, 0, true, 0, kernelctl.ReshapeState{})
	require.NoError(t, err)
	assert.Zero(t, ctrl.stripeCacheSize)
}

func TestRunDecisionHonoursRunstopOverride(t *testing.T) {
	result := &resolve.Result{Slots: []resolve.Slot{slot(0, false, 0)}}
	assert.True(t, kernelctl.RunDecision(true, 5, 3, 0, false, result))
}

func TestRunDecisionDefersToEnough(t *testing.T) {
	result := &resolve.Result{Slots: []resolve.Slot{
		slot(0, true, 10), slot(1, true, 11), slot(2, true, 12),
	}}
	assert.True(t, kernelctl.RunDecision(false, 5, 3, 0, true, result))
}
