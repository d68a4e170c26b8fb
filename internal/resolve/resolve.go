// SPDX-License-Identifier: GPL-2.0-or-later

// Package resolve turns an accepted candidate set into the role
// assignment the kernel will be handed: which slot each device fills,
// which slots are stale or missing, and whether the resulting set
// meets the level-specific threshold to run at all (spec.md §4.E).
package resolve

import (
	"git.mdraid.dev/mdassemble-ng/internal/candidate"
	"git.mdraid.dev/mdassemble-ng/internal/mdcore"
)

// EventMargin is the tolerance between a device's event count and the
// newest event count seen in the set: a device within this margin is
// still considered current rather than stale, per spec.md §4.E
// (original_source/Assemble.c treats exactly 1 tick of drift as
// acceptable for a device that missed the last superblock update).
const EventMargin = 1

// Slot is one raid_disk position's resolved state.
type Slot struct {
	Role     uint16 // the raid_disk index this slot corresponds to
	Record   candidate.Record
	Rebuild  bool // present but below the newest event count, within margin
	Filled   bool
}

// Result is the outcome of resolving a candidate set into roles.
type Result struct {
	Slots          []Slot
	OKCount        int
	RebuildCount   int
	SpareCount     int
	NewestEvents   uint64
	Clean          bool
}

// Resolve assigns each accepted candidate to its role slot, keeping
// only the newest-event candidate (or, within EventMargin, the
// chronologically better of two) for a given slot, flags devices that
// slipped behind as rebuilding, and rejects two different devices
// claiming the same slot with identical events as an overlap
// (spec.md §4.E edge case — guards against the same physical disk
// appearing twice via a partition alias).
func Resolve(records []candidate.Record) (*Result, error) {
	if len(records) == 0 {
		return &Result{}, nil
	}

	var newest uint64
	for _, r := range records {
		if r.Info.Events > newest {
			newest = r.Info.Events
		}
	}

	raidDisks := records[0].Info.RaidDisks
	slots := make([]Slot, raidDisks)
	var spareCount int

	for _, r := range records {
		role := r.Info.Role
		if role >= uint16(raidDisks) {
			spareCount++
			continue
		}
		if r.Info.Events+EventMargin < newest {
			// Stale beyond tolerance: not eligible for its slot,
			// counted separately from spares.
			continue
		}

		existing := slots[role]
		if !existing.Filled {
			slots[role] = Slot{
				Role:    role,
				Record:  r,
				Rebuild: r.Info.Events < newest,
				Filled:  true,
			}
			continue
		}

		if existing.Record.Info.Events == r.Info.Events {
			return nil, &mdcore.OverlappingComponents{A: existing.Record.Path, B: r.Path}
		}
		if r.Info.Events > existing.Record.Info.Events {
			slots[role] = Slot{
				Role:    role,
				Record:  r,
				Rebuild: r.Info.Events < newest,
				Filled:  true,
			}
		}
	}

	var okCount, rebuildCount int
	for _, s := range slots {
		if !s.Filled {
			continue
		}
		if s.Rebuild {
			rebuildCount++
		} else {
			okCount++
		}
	}

	clean := true
	for _, r := range records {
		if r.Info.Events == newest && !r.Info.Clean {
			clean = false
			break
		}
	}

	return &Result{
		Slots:        slots,
		OKCount:      okCount,
		RebuildCount: rebuildCount,
		SpareCount:   spareCount,
		NewestEvents: newest,
		Clean:        clean,
	}, nil
}

// Enough reports whether okCount available devices meet the
// level-specific threshold to run the array, matching
// original_source/util.c's enough(): level 0/linear need every disk
// filled, 1/multipath need at least one, 4/5 need raid_disks-1 when
// clean else all, 6 needs raid_disks-2 when clean else all, and 10
// needs at least one filled disk in each consecutive `copies`-sized
// group of slots, walked from slot 0 and wrapping around until a
// group ends back at slot 0.
func Enough(level int32, raidDisks uint32, layout uint32, clean bool, filled []bool) bool {
	switch level {
	case 10:
		copies := int((layout & 0xff) * ((layout >> 8) & 0xff))
		if copies <= 0 || int(raidDisks) == 0 {
			return false
		}
		first := 0
		for {
			n := copies
			cnt := 0
			for n > 0 {
				if first < len(filled) && filled[first] {
					cnt++
				}
				first = (first + 1) % int(raidDisks)
				n--
			}
			if cnt == 0 {
				return false
			}
			if first == 0 {
				return true
			}
		}
	case -4: // multipath
		return countTrue(filled) >= 1
	case -1, 0: // linear, raid0
		return countTrue(filled) == int(raidDisks)
	case 1:
		return countTrue(filled) >= 1
	case 4, 5:
		if clean {
			return countTrue(filled) >= int(raidDisks)-1
		}
		return countTrue(filled) >= int(raidDisks)
	case 6:
		if clean {
			return countTrue(filled) >= int(raidDisks)-2
		}
		return countTrue(filled) >= int(raidDisks)
	default:
		return false
	}
}

func countTrue(bs []bool) int {
	n := 0
	for _, b := range bs {
		if b {
			n++
		}
	}
	return n
}

// Filled extracts the per-slot filled bitmap Enough needs from a
// resolved Result.
func (r *Result) Filled() []bool {
	out := make([]bool, len(r.Slots))
	for i, s := range r.Slots {
		out[i] = s.Filled
	}
	return out
}
