// SPDX-License-Identifier: GPL-2.0-or-later

package mdplugin

import (
	"context"

	"git.mdraid.dev/mdassemble-ng/internal/diskio"
	"git.mdraid.dev/mdassemble-ng/internal/mdcore"
)

// UnimplementedFormat registers a format name with Registry.Guess and
// MatchMetadataDesc without this core knowing how to read it: Load
// always fails with ErrUnsupported. This is what the tagged-variant
// dispatch of spec.md §9 actually requires of the legacy 0.90 format
// and the two vendor container formats (ddf, imsm) — the interface
// has a slot for them, this core doesn't carry their codecs.
type UnimplementedFormat struct {
	name string
}

func NewUnimplementedFormat(name string) UnimplementedFormat {
	return UnimplementedFormat{name: name}
}

var _ Plugin = UnimplementedFormat{}

func (f UnimplementedFormat) Name() string { return f.name }

func (f UnimplementedFormat) Load(context.Context, diskio.File, int) (Handle, error) {
	return nil, ErrUnsupported
}

func (f UnimplementedFormat) Store(context.Context, diskio.File, Handle) error {
	return ErrUnsupported
}

func (f UnimplementedFormat) GetInfo(Handle) ArrayInfo { return ArrayInfo{} }

func (f UnimplementedFormat) Compare(Handle, Handle) CompareResult { return BadMagic }

func (f UnimplementedFormat) UUIDFrom(Handle) mdcore.UUID { return mdcore.UUID{} }

func (f UnimplementedFormat) MatchHome(Handle, string) bool { return false }

func (f UnimplementedFormat) AvailSize(uint64) uint64 { return 0 }

func (f UnimplementedFormat) Update(h Handle, _ string, _ UpdateContext) (Handle, bool, error) {
	return h, false, ErrUnsupported
}

func (f UnimplementedFormat) AddInternalBitmap(Handle, BitmapOptions) (Handle, error) {
	return nil, ErrUnsupported
}
