// SPDX-License-Identifier: GPL-2.0-or-later

package super1

import (
	"github.com/google/uuid"

	"git.mdraid.dev/mdassemble-ng/internal/mdcore"
	"git.mdraid.dev/mdassemble-ng/internal/mdplugin"
)

// knownVerbs is every --update= verb this codec recognises, spec.md
// §4.F plus the supplemented "data-offset" verb (SPEC_FULL §12).
var knownVerbs = map[string]bool{
	"force-one":           true,
	"force-array":         true,
	"assemble":            true,
	"uuid":                true,
	"name":                true,
	"homehost":            true,
	"resync":              true,
	"no-bitmap":           true,
	"devicesize":          true,
	"data-offset":         true,
	"linear-grow-new":     true,
	"linear-grow-update":  true,
	"_reshape_progress":   true,
}

// Update applies a named update verb to v, reporting whether anything
// changed (the force engine and the CLI's --update path store the
// view whether or not it changed), per spec.md §4.F
// and original_source/super1.c's update_super1. Every branch
// recomputes sb_csum before returning, matching the original's
// unconditional trailer.
func Update(v *View, verb string, uctx mdplugin.UpdateContext) (bool, error) {
	if !knownVerbs[verb] {
		return false, &mdcore.BadUpdateVerb{Verb: verb}
	}

	changed := false

	switch verb {
	case "force-one":
		// Not enough devices for a working array: bring this one's
		// event count up to date so it is accepted as current.
		if v.Sb.Events != uctx.Events {
			changed = true
		}
		v.Sb.Events = uctx.Events
		v.EventsCleared = uctx.Events

	case "force-array":
		// Degraded parity array forced to start: mark it clean so
		// the kernel doesn't insist on a full resync first.
		switch v.Sb.Level {
		case Level4, Level5, Level6:
			if v.Sb.ResyncOffset != MaxSector {
				changed = true
			}
			v.Sb.ResyncOffset = MaxSector
		}

	case "assemble":
		d := int(uctx.DevNumber)
		want := uint16(RoleSpare)
		if uctx.InSync {
			want = uctx.TargetRole
		}
		if d >= 0 && d < len(v.Roles) && v.Roles[d] != want {
			v.Roles[d] = want
			changed = true
		}
		reshapeLive := uctx.ReshapeActive && v.Sb.FeatureMap&FeatureReshapeActive != 0
		switch {
		case reshapeLive && uctx.DeltaDisks >= 0 && uctx.ReshapeProgress < v.Sb.ReshapePosition:
			v.Sb.ReshapePosition = uctx.ReshapeProgress
			changed = true
		case reshapeLive && uctx.DeltaDisks < 0 && uctx.ReshapeProgress > v.Sb.ReshapePosition:
			v.Sb.ReshapePosition = uctx.ReshapeProgress
			changed = true
		}

	case "linear-grow-new":
		// Claim the first free-or-faulty slot for a device being
		// added to a linear array.
		slot := uint32(len(v.Roles))
		for i, r := range v.Roles {
			if r >= RoleFaulty {
				slot = uint32(i)
				break
			}
		}
		v.Sb.DevNumber = slot
		if slot >= v.Sb.MaxDev {
			v.Sb.MaxDev = slot + 1
		}
		if int(slot) >= len(v.Roles) {
			grown := make(Roles, slot+1)
			copy(grown, v.Roles)
			for i := len(v.Roles); i < len(grown); i++ {
				grown[i] = RoleSpare
			}
			v.Roles = grown
		}
		v.Roles[slot] = uctx.TargetRole
		v.Sb.DeviceUUID = randomDeviceUUID()
		if v.Sb.SuperOffset < v.Sb.DataOffset {
			v.Sb.DataSize = uctx.DeviceSize - v.Sb.DataOffset
		} else {
			ds := (uctx.DeviceSize - 8*2) &^ (4*2 - 1)
			v.Sb.SuperOffset = ds
			v.Sb.DataSize = ds - v.Sb.DataOffset
		}
		changed = true

	case "linear-grow-update":
		v.Sb.RaidDisks = uctx.RaidDisks
		if int(uctx.DevNumber) < len(v.Roles) {
			v.Roles[uctx.DevNumber] = uctx.TargetRole
		}
		changed = true

	case "resync":
		v.Sb.ResyncOffset = 0
		changed = true

	case "data-offset":
		// Supplemented verb: move the data region's start for a
		// container member whose data_offset needs to track an
		// external resize (no analogue named in spec.md §4.F, but
		// present in mdadm's broader update-verb surface).
		v.Sb.DataOffset = uctx.DeviceSize
		changed = true
	}

	// "uuid" and "no-bitmap" fall outside the switch above: the
	// original checks them as an if/else-if pair so a caller never
	// asks for both, and "uuid" also carries into the bitmap sidecar.
	switch verb {
	case "uuid":
		v.Sb.SetUUID = uctx.NewUUID
		if v.Sb.FeatureMap&FeatureBitmap != 0 && v.HasBitmap {
			v.Bitmap.UUID = uctx.NewUUID
		}
		changed = true
	case "no-bitmap":
		v.Sb.FeatureMap &^= FeatureBitmap
		v.HasBitmap = false
		changed = true
	}

	// "homehost" is handled by rewriting as a "name" update against
	// the existing name with its homehost prefix stripped, per the
	// original's update_super1.
	newName := uctx.NewName
	applyName := verb == "name"
	if verb == "homehost" {
		applyName = true
		newName = stripHomehostPrefix(v.Name())
	}
	if applyName {
		setName(&v.Sb.SetName, uctx.HomeHost, newName)
		changed = true
	}

	if verb == "devicesize" && v.Sb.SuperOffset < v.Sb.DataOffset {
		v.Sb.DataSize = uctx.DeviceSize - v.Sb.DataOffset
		changed = true
	}

	if verb == "_reshape_progress" {
		v.Sb.ReshapePosition = uctx.ReshapeProgress
		changed = true
	}

	csum, err := Checksum(v.Sb, v.Roles)
	if err != nil {
		return changed, err
	}
	v.Sb.SbCsum = csum
	return changed, nil
}

// stripHomehostPrefix removes a leading "host:" component from name,
// mirroring update_super1's "homehost" branch.
func stripHomehostPrefix(name string) string {
	for i := 0; i < len(name); i++ {
		if name[i] == ':' {
			return name[i+1:]
		}
	}
	return name
}

// setName writes name into dst, prefixing it with "homehost:" when a
// homehost is set, the name doesn't already carry a colon, and the
// combined length fits the 32-byte field.
func setName(dst *[32]byte, homehost, name string) {
	for i := range dst {
		dst[i] = 0
	}
	full := name
	if homehost != "" && !containsColon(name) && len(homehost)+1+len(name) < 32 {
		full = homehost + ":" + name
	}
	copy(dst[:], full)
}

// randomDeviceUUID generates a fresh per-device identifier for a
// device newly added to a linear array, in place of the original's
// /dev/urandom read.
func randomDeviceUUID() [16]byte {
	return [16]byte(uuid.New())
}

func containsColon(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return true
		}
	}
	return false
}
