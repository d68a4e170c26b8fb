// SPDX-License-Identifier: GPL-2.0-or-later

// Package mdplugin defines the uniform contract every metadata format
// implements (spec.md §4.C) and the small registry the assembly engine
// uses to pick one without ever inspecting a raw superblock directly.
//
// Modelled as a tagged variant dispatched through an interface, per
// spec.md §9's design note: each concrete format (primary 1.x, legacy
// 0.90, and the two vendor container formats) owns its Handle payload;
// the engine only ever calls through Plugin.
package mdplugin

import (
	"context"
	"fmt"

	"git.mdraid.dev/mdassemble-ng/internal/diskio"
	"git.mdraid.dev/mdassemble-ng/internal/mdcore"
)

// Handle is the opaque per-format loaded-superblock payload. Each
// format's Handle implementation carries whatever state that format
// needs; the engine treats it as opaque.
type Handle interface {
	FormatName() string
}

// ArrayInfo is the format-neutral projection of a loaded superblock,
// spec.md §4.B's getinfo() result.
type ArrayInfo struct {
	UUID      mdcore.UUID
	Name      string
	CTime     uint64
	Level     int32
	Layout    uint32
	ChunkSize uint32
	RaidDisks uint32
	Size      uint64 // component device size, sectors

	DeviceUUID     mdcore.UUID
	DevNumber      uint32
	Role           uint16
	RecoveryOffset uint64
	Events         uint64
	ResyncOffset   uint64
	Clean          bool

	MaxDev        uint32
	BitmapPresent bool

	ReshapeActive   bool
	DeltaDisks      int32
	ReshapePosition uint64
}

// CompareResult is the outcome of comparing two loaded superblocks for
// set-membership, spec.md §4.B.
type CompareResult int

const (
	Equal CompareResult = iota
	BadMagic
	BadUUID
	BadShape
)

func (r CompareResult) String() string {
	switch r {
	case Equal:
		return "equal"
	case BadMagic:
		return "bad-magic"
	case BadUUID:
		return "bad-uuid"
	case BadShape:
		return "bad-shape"
	default:
		return "unknown"
	}
}

// UpdateContext carries the auxiliary values a named update verb may
// need beyond the handle itself (spec.md §4.F).
type UpdateContext struct {
	NewUUID    mdcore.UUID
	NewName    string
	HomeHost   string
	Events     uint64
	DeltaDisks int32
	BackupFile string
	DeviceSize uint64 // sectors, for "devicesize"/"linear-grow-new"

	// Per-device context for "assemble" and the linear-grow verbs.
	DevNumber       uint32
	TargetRole      uint16 // role this device should occupy once assembled
	InSync          bool
	RaidDisks       uint32 // new raid_disks count for linear-grow-update
	ReshapeActive   bool
	ReshapeProgress uint64
}

// BitmapOptions parameterises AddInternalBitmap, spec.md §4.B/§4.I.
type BitmapOptions struct {
	ChunkBytes   uint32 // 0 means "choose automatically"
	DelaySeconds uint32
	WriteBehind  uint32
	ArraySize    uint64 // sectors
	GrowMode     bool
}

// Plugin is the uniform contract every metadata format implements.
type Plugin interface {
	// Name identifies the format family, e.g. "1.x", "0.90", "ddf", "imsm".
	Name() string

	// Load reads and validates a superblock from dev. minorHint, when
	// non-negative, pins the on-disk location; -1 asks the plugin to
	// try every minor/location it knows and keep the candidate with
	// the newest ctime (the guess() behaviour of spec.md §4.C, per
	// format).
	Load(ctx context.Context, dev diskio.File, minorHint int) (Handle, error)

	// Store serialises h back to dev, recomputing any checksum.
	Store(ctx context.Context, dev diskio.File, h Handle) error

	GetInfo(h Handle) ArrayInfo
	Compare(a, b Handle) CompareResult
	UUIDFrom(h Handle) mdcore.UUID
	MatchHome(h Handle, homehost string) bool
	AvailSize(devSectors uint64) uint64
	Update(h Handle, verb string, uctx UpdateContext) (Handle, bool, error)
	AddInternalBitmap(h Handle, opts BitmapOptions) (Handle, error)
}

// ErrUnsupported is returned by Load when a plugin recognises that it
// is being asked to do something outside this core's scope (the
// legacy and vendor-container formats' codecs: spec.md §1 fixes their
// contract but does not ask this core to write them out).
var ErrUnsupported = fmt.Errorf("metadata format not implemented by this core")

// Registry is the process-wide set of known plugins, keyed by Name().
type Registry struct {
	plugins []Plugin
}

func NewRegistry(plugins ...Plugin) *Registry {
	return &Registry{plugins: plugins}
}

func (r *Registry) ByName(name string) (Plugin, bool) {
	for _, p := range r.plugins {
		if p.Name() == name {
			return p, true
		}
	}
	return nil, false
}

// MatchMetadataDesc resolves a textual metadata version like "1.2" to
// a plugin and minor-version pair, spec.md §4.C.
func (r *Registry) MatchMetadataDesc(version string) (Plugin, int, error) {
	for len(version) > 1 && version[0] == '0' && version[1] != '.' {
		version = version[1:]
	}
	switch version {
	case "1.0", "1.00":
		p, ok := r.ByName("1.x")
		return p, 0, okErr(ok, version)
	case "1.1", "1.01":
		p, ok := r.ByName("1.x")
		return p, 1, okErr(ok, version)
	case "1.2", "1.02", "default":
		p, ok := r.ByName("1.x")
		return p, 2, okErr(ok, version)
	case "1":
		p, ok := r.ByName("1.x")
		return p, -1, okErr(ok, version)
	case "0.90", "0":
		p, ok := r.ByName("0.90")
		return p, -1, okErr(ok, version)
	case "ddf":
		p, ok := r.ByName("ddf")
		return p, -1, okErr(ok, version)
	case "imsm":
		p, ok := r.ByName("imsm")
		return p, -1, okErr(ok, version)
	default:
		return nil, 0, fmt.Errorf("unrecognised metadata version %q", version)
	}
}

func okErr(ok bool, version string) error {
	if ok {
		return nil
	}
	return fmt.Errorf("no plugin registered for metadata version %q", version)
}

// Guess tries every registered plugin against dev and returns the one
// that loads successfully with the newest ctime; ties keep the first
// plugin tried, per spec.md §4.C.
func Guess(ctx context.Context, r *Registry, dev diskio.File) (Plugin, Handle, error) {
	var (
		best      Plugin
		bestH     Handle
		bestCTime uint64
		found     bool
	)
	var lastErr error
	for _, p := range r.plugins {
		h, err := p.Load(ctx, dev, -1)
		if err != nil {
			lastErr = err
			continue
		}
		info := p.GetInfo(h)
		if !found || info.CTime > bestCTime {
			best, bestH, bestCTime, found = p, h, info.CTime, true
		}
	}
	if !found {
		if lastErr == nil {
			lastErr = fmt.Errorf("no metadata recognised on %s", dev.Name())
		}
		return nil, nil, lastErr
	}
	return best, bestH, nil
}
