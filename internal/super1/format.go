// SPDX-License-Identifier: GPL-2.0-or-later

package super1

import (
	"context"
	"fmt"
	"os"

	"git.mdraid.dev/mdassemble-ng/internal/diskio"
	"git.mdraid.dev/mdassemble-ng/internal/mdcore"
	"git.mdraid.dev/mdassemble-ng/internal/mdplugin"
)

// handle adapts *View to mdplugin.Handle.
type handle struct{ *View }

func (handle) FormatName() string { return "1.x" }

// Format implements mdplugin.Plugin for the primary on-disk metadata
// generation, dispatched by the engine as the registry entry "1.x".
type Format struct{}

var _ mdplugin.Plugin = Format{}

func (Format) Name() string { return "1.x" }

// osFileOf extracts the underlying *os.File a plugin needs for
// sector-aware I/O; every real device or backing file the engine opens
// is a *diskio.OSFile, per spec.md §4.A.
func osFileOf(dev diskio.File) (*os.File, error) {
	of, ok := dev.(*diskio.OSFile)
	if !ok {
		return nil, fmt.Errorf("super1: %s is not backed by an *os.File", dev.Name())
	}
	return of.File, nil
}

func (Format) Load(_ context.Context, dev diskio.File, minorHint int) (mdplugin.Handle, error) {
	f, err := osFileOf(dev)
	if err != nil {
		return nil, err
	}
	var v *View
	if minorHint < 0 {
		v, err = LoadGuess(f)
	} else {
		v, err = Load(f, MinorVersion(minorHint))
	}
	if err != nil {
		return nil, err
	}
	return handle{v}, nil
}

func (Format) Store(_ context.Context, dev diskio.File, h mdplugin.Handle) error {
	f, err := osFileOf(dev)
	if err != nil {
		return err
	}
	hv, ok := h.(handle)
	if !ok {
		return fmt.Errorf("super1: handle from a different format")
	}
	return Store(f, hv.View)
}

func (Format) GetInfo(h mdplugin.Handle) mdplugin.ArrayInfo {
	return GetInfo(h.(handle).View)
}

func (Format) Compare(a, b mdplugin.Handle) mdplugin.CompareResult {
	return Compare(a.(handle).View, b.(handle).View)
}

func (Format) UUIDFrom(h mdplugin.Handle) mdcore.UUID {
	return h.(handle).View.UUID()
}

func (Format) MatchHome(h mdplugin.Handle, homehost string) bool {
	return MatchHome(h.(handle).View, homehost)
}

func (Format) AvailSize(devSectors uint64) uint64 {
	return AvailSize(devSectors)
}

func (Format) Update(h mdplugin.Handle, verb string, uctx mdplugin.UpdateContext) (mdplugin.Handle, bool, error) {
	v := h.(handle).View
	changed, err := Update(v, verb, uctx)
	return handle{v}, changed, err
}

func (Format) AddInternalBitmap(h mdplugin.Handle, opts mdplugin.BitmapOptions) (mdplugin.Handle, error) {
	v := h.(handle).View
	if err := AddInternalBitmap(v, opts); err != nil {
		return nil, err
	}
	return handle{v}, nil
}
