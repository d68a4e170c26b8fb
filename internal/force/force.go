// SPDX-License-Identifier: GPL-2.0-or-later

// Package force implements the Force/Update Engine: under --force, it
// promotes stale peer devices that share the same "vintage" event
// count up to the newest device's event count so a degraded array can
// start, and clears the resync offset on a degraded, non-clean parity
// array so the kernel doesn't block on a resync before running
// (spec.md §4.F, grounded on original_source/Assemble.c's force loop
// around its "while (force && !enough(...))" block).
package force

import (
	"context"

	"git.mdraid.dev/mdassemble-ng/internal/candidate"
	"git.mdraid.dev/mdassemble-ng/internal/mdplugin"
	"git.mdraid.dev/mdassemble-ng/internal/probe"
	"git.mdraid.dev/mdassemble-ng/internal/resolve"
)

// Promotion records one device whose superblock was force-rewritten.
type Promotion struct {
	Path   string
	From   uint64
	To     uint64
}

// PromoteStale repeatedly picks the newest not-yet-uptodate device
// still reporting recovery_offset==MaxSector (i.e. not mid-rebuild),
// force-rewrites its event count up to newest, then sweeps for any
// other device of that exact "vintage" (identical event count) and
// promotes those too before re-evaluating resolve.Enough. It stops
// once Enough is satisfied or no further candidate can be promoted.
func PromoteStale(ctx context.Context, result *resolve.Result, rejected []candidate.Record, level int32, raidDisks uint32, layout uint32) ([]Promotion, error) {
	var promotions []Promotion

	for !resolve.Enough(level, raidDisks, layout, true, result.Filled()) {
		chosen := pickNewestStale(rejected)
		if chosen == nil {
			break
		}
		vintage := chosen.Info.Events

		for {
			p, err := promoteOne(ctx, chosen, result.NewestEvents)
			if err != nil {
				chosen.Info.Events = 0 // matches original: give up on this device for this pass
				break
			}
			promotions = append(promotions, p)
			placeInSlot(result, *chosen)

			chosen = pickVintage(rejected, vintage)
			if chosen == nil {
				break
			}
		}
	}

	return promotions, nil
}

func pickNewestStale(rejected []candidate.Record) *candidate.Record {
	var best *candidate.Record
	for i := range rejected {
		r := &rejected[i]
		if r.Info.RecoveryOffset != ^uint64(0) {
			continue // mid-rebuild, never a force-one candidate
		}
		if best == nil || r.Info.Events > best.Info.Events {
			best = r
		}
	}
	return best
}

func pickVintage(rejected []candidate.Record, events uint64) *candidate.Record {
	for i := range rejected {
		if rejected[i].Info.Events == events {
			return &rejected[i]
		}
	}
	return nil
}

func promoteOne(ctx context.Context, rec *candidate.Record, newestEvents uint64) (Promotion, error) {
	opened, err := probe.OpenExclusive(ctx, rec.Path)
	if err != nil {
		return Promotion{}, err
	}
	defer opened.File.Close()

	from := rec.Info.Events
	newHandle, _, err := rec.Plugin.Update(rec.Handle, "force-one", mdplugin.UpdateContext{Events: newestEvents})
	if err != nil {
		return Promotion{}, err
	}
	rec.Handle = newHandle
	if err := rec.Plugin.Store(ctx, opened.File, rec.Handle); err != nil {
		return Promotion{}, err
	}
	rec.Info = rec.Plugin.GetInfo(rec.Handle)
	return Promotion{Path: rec.Path, From: from, To: newestEvents}, nil
}

// placeInSlot inserts a freshly promoted device into its role slot,
// overwriting whatever was there (a promoted device always wins: the
// slot was empty or held a device the resolver had already rejected).
func placeInSlot(result *resolve.Result, rec candidate.Record) {
	role := int(rec.Info.Role)
	if role < 0 || role >= len(result.Slots) {
		return
	}
	result.Slots[role] = resolve.Slot{Role: uint16(role), Record: rec, Filled: true}
	result.OKCount++
}

// ForceClean clears the resync offset on a degraded, non-clean parity
// array (levels 4/5/6) via the "force-array" update verb, applied to
// the chosen representative superblock (the first filled slot) and
// then propagated to every member the kernel will be told about,
// since the kernel reads resync state from the array's own metadata
// write, not per-device (spec.md §4.F).
func ForceClean(ctx context.Context, result *resolve.Result, level int32) error {
	switch level {
	case 4, 5, 6:
	default:
		return nil
	}
	for i := range result.Slots {
		s := &result.Slots[i]
		if !s.Filled {
			continue
		}
		opened, err := probe.OpenExclusive(ctx, s.Record.Path)
		if err != nil {
			return err
		}
		newHandle, _, err := s.Record.Plugin.Update(s.Record.Handle, "force-array", mdplugin.UpdateContext{})
		if err == nil {
			s.Record.Handle = newHandle
			err = s.Record.Plugin.Store(ctx, opened.File, s.Record.Handle)
		}
		opened.File.Close()
		if err != nil {
			return err
		}
		s.Record.Info = s.Record.Plugin.GetInfo(s.Record.Handle)
	}
	result.Clean = true
	return nil
}
