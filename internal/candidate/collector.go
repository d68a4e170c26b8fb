// SPDX-License-Identifier: GPL-2.0-or-later

// Package candidate implements the per-device probe pipeline and the
// sequential consistency build that turns a list of device paths into
// the accepted set of superblocks belonging to one array (spec.md
// §4.D).
package candidate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"

	"git.mdraid.dev/mdassemble-ng/internal/containers"
	"git.mdraid.dev/mdassemble-ng/internal/mdcore"
	"git.mdraid.dev/mdassemble-ng/internal/mdplugin"
	"git.mdraid.dev/mdassemble-ng/internal/probe"
)

// Identity is the set of constraints a device's metadata must satisfy
// to be considered for this array, spec.md §4.D.
type Identity struct {
	UUID         mdcore.UUID
	UUIDSet      bool
	Name         string
	SuperMinor   int
	SuperMinorSet bool
	Level        int32
	LevelSet     bool
	RaidDisks    uint32
	RaidDisksSet bool

	// MetadataPluginHint, when set, skips Guess and loads every
	// device with exactly this plugin and minor version.
	MetadataPluginHint string
	MinorHint          int
}

// Record is a successfully loaded and identity-matched device.
type Record struct {
	Path   string
	DevNum probe.DevNum
	Plugin mdplugin.Plugin
	Handle mdplugin.Handle
	Info   mdplugin.ArrayInfo
}

// Rejection explains why a candidate device path did not make it into
// the accepted set.
type Rejection struct {
	Path   string
	Reason string
}

// Collector runs the probe pipeline across a device list and builds
// the consistent candidate set.
type Collector struct {
	Registry *mdplugin.Registry
	HomeHost string

	// seen caches the outcome of probing a path across repeated
	// try-again passes so a device that failed for a reason that
	// can't self-heal (bad magic, checksum mismatch) isn't
	// re-opened every retry, per original_source/Assemble.c's
	// try_again loop. I/O failures (open, fstat, read) are not
	// cached, so those paths are probed again on the next pass.
	seen *containers.LRUCache[string, probeResult]
}

func NewCollector(reg *mdplugin.Registry, homehost string) *Collector {
	return &Collector{
		Registry: reg,
		HomeHost: homehost,
		seen:     containers.NewLRUCache[string, probeResult](256),
	}
}

type probeResult struct {
	rec Record
	err error
}

// probeOne opens and loads a single device path, grounded on
// original_source/Assemble.c's per-device loop: open O_EXCL, fstat,
// guess or load the pinned plugin, reject on any failure.
func (c *Collector) probeOne(ctx context.Context, path string, ident Identity) probeResult {
	opened, err := probe.OpenExclusive(ctx, path)
	if err != nil {
		return probeResult{err: fmt.Errorf("%s: %w", path, err)}
	}
	defer opened.File.Close()

	var (
		plugin mdplugin.Plugin
		handle mdplugin.Handle
	)
	if ident.MetadataPluginHint != "" {
		p, ok := c.Registry.ByName(ident.MetadataPluginHint)
		if !ok {
			return probeResult{err: fmt.Errorf("%s: unknown metadata plugin %q", path, ident.MetadataPluginHint)}
		}
		h, err := p.Load(ctx, opened.File, ident.MinorHint)
		if err != nil {
			return probeResult{err: fmt.Errorf("%s: %w", path, err)}
		}
		plugin, handle = p, h
	} else {
		p, h, err := mdplugin.Guess(ctx, c.Registry, opened.File)
		if err != nil {
			return probeResult{err: fmt.Errorf("%s: no recognisable superblock: %w", path, err)}
		}
		plugin, handle = p, h
	}

	info := plugin.GetInfo(handle)
	return probeResult{rec: Record{
		Path:   path,
		DevNum: opened.DevNum,
		Plugin: plugin,
		Handle: handle,
		Info:   info,
	}}
}

// probeAll opens and loads every path concurrently, preserving input
// order in the returned slice so the sequential consistency build
// below can apply the original's order-sensitive homehost tiebreak,
// per original_source/btrfsutil-style concurrent device scanning
// adapted to this domain.
func (c *Collector) probeAll(ctx context.Context, paths []string, ident Identity) []probeResult {
	results := make([]probeResult, len(paths))
	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{})
	var mu sync.Mutex
	for i, path := range paths {
		i, path := i, path
		if cached, ok := c.seen.Get(path); ok && cached.err != nil {
			results[i] = cached
			continue
		}
		grp.Go(fmt.Sprintf("probe-%d", i), func(ctx context.Context) error {
			r := c.probeOne(ctx, path, ident)
			mu.Lock()
			results[i] = r
			var ioErr *mdcore.IoError
			if !errors.As(r.err, &ioErr) {
				c.seen.Add(path, r)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = grp.Wait() // probeOne never returns an error from Go's perspective; failures live in probeResult
	return results
}

// matchesIdentity applies the identity predicates of spec.md §4.D:
// uuid, name (homehost-qualified), level, raid-disks. Identity's
// SuperMinor is not checked; no device is rejected on it.
func matchesIdentity(ident Identity, info mdplugin.ArrayInfo) (bool, string) {
	if ident.UUIDSet && info.UUID != ident.UUID {
		return false, "wrong uuid"
	}
	if ident.Name != "" {
		name := info.Name
		if i := strings.IndexByte(name, ':'); i >= 0 {
			name = name[i+1:]
		}
		if name != ident.Name {
			return false, "wrong name"
		}
	}
	if ident.LevelSet && info.Level != ident.Level {
		return false, "wrong raid level"
	}
	if ident.RaidDisksSet && info.RaidDisks != ident.RaidDisks {
		return false, "wrong number of drives"
	}
	return true, ""
}

// Collect runs the probe pipeline across paths and builds the
// accepted candidate set: devices are probed concurrently, then
// walked in input order applying identity predicates and, on a shape
// mismatch, the homehost tiebreak — either the new device loses, or
// it overrides everything accepted so far — exactly as
// original_source/Assemble.c does around its "doesn't match others"
// branch. A mismatch that neither side's homehost resolves is
// reported as mdcore.InconsistentSet.
func (c *Collector) Collect(ctx context.Context, paths []string, ident Identity) ([]Record, []Rejection, error) {
	ctx = dlog.WithField(ctx, "candidate.count", len(paths))
	results := c.probeAll(ctx, paths, ident)

	var (
		accepted []Record
		rejected []Rejection
	)

	for i, r := range results {
		if r.err != nil {
			rejected = append(rejected, Rejection{Path: paths[i], Reason: r.err.Error()})
			continue
		}
		if ok, reason := matchesIdentity(ident, r.rec.Info); !ok {
			rejected = append(rejected, Rejection{Path: r.rec.Path, Reason: reason})
			continue
		}

		if len(accepted) == 0 {
			accepted = append(accepted, r.rec)
			continue
		}

		head := accepted[0]
		if head.Plugin.Name() == r.rec.Plugin.Name() &&
			head.Plugin.Compare(head.Handle, r.rec.Handle) == mdplugin.Equal {
			accepted = append(accepted, r.rec)
			continue
		}

		firstLocal := head.Plugin.MatchHome(head.Handle, c.HomeHost)
		lastLocal := r.rec.Plugin.MatchHome(r.rec.Handle, c.HomeHost)
		switch {
		case firstLocal && !lastLocal:
			rejected = append(rejected, Rejection{Path: r.rec.Path, Reason: "misses out due to wrong homehost"})
		case !firstLocal && lastLocal:
			for _, a := range accepted {
				rejected = append(rejected, Rejection{Path: a.Path, Reason: "overridden by a better homehost match"})
			}
			accepted = []Record{r.rec}
		default:
			return nil, nil, &mdcore.InconsistentSet{UUID: head.Info.UUID}
		}
	}

	return accepted, rejected, nil
}

// CollectWithRetry repeats Collect up to attempts times, sleeping
// backoff between passes, for the case where not every member device
// has appeared on the bus yet — the "try_again" loop of
// original_source/Assemble.c, driven from the outside by a caller
// that knows when it should give up (e.g. enough-to-run still false).
func (c *Collector) CollectWithRetry(ctx context.Context, paths []string, ident Identity, attempts int, backoff time.Duration, satisfied func([]Record) bool) ([]Record, []Rejection, error) {
	var (
		accepted []Record
		rejected []Rejection
		err      error
	)
	for attempt := 0; attempt < attempts; attempt++ {
		accepted, rejected, err = c.Collect(ctx, paths, ident)
		if err != nil {
			return nil, nil, err
		}
		if satisfied(accepted) {
			return accepted, rejected, nil
		}
		select {
		case <-ctx.Done():
			return accepted, rejected, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return accepted, rejected, nil
}
