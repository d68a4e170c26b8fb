// SPDX-License-Identifier: GPL-2.0-or-later

// Command mdassemble is the CLI entrypoint: the assemble mode surface
// of spec.md §6, wired the way cmd/btrfs-rec/main.go wires cobra,
// pflag and a dlib/logrus logger.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/spf13/cobra"

	"git.mdraid.dev/mdassemble-ng/internal/candidate"
	"git.mdraid.dev/mdassemble-ng/internal/force"
	"git.mdraid.dev/mdassemble-ng/internal/kernelctl"
	"git.mdraid.dev/mdassemble-ng/internal/logutil"
	"git.mdraid.dev/mdassemble-ng/internal/mdcore"
	"git.mdraid.dev/mdassemble-ng/internal/mdcore/config"
	"git.mdraid.dev/mdassemble-ng/internal/mdplugin"
	"git.mdraid.dev/mdassemble-ng/internal/probe"
	"git.mdraid.dev/mdassemble-ng/internal/registry"
	"git.mdraid.dev/mdassemble-ng/internal/resolve"
	"git.mdraid.dev/mdassemble-ng/internal/super1"
)

// exitConfig is the process exit status for a configuration or
// identity predicate that leaves nothing to assemble, spec.md §6.
const (
	exitSuccess = 0
	exitFailure = 1
	exitConfig  = 2
)

// exitError carries the exit code a failure should produce without
// cobra printing its own "Error:" banner twice.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

var defaultRegistryPath = "/run/mdassemble/map"

type assembleFlags struct {
	uuid       string
	name       string
	superMinor int
	update     string
	force      bool
	run        bool
	readonly   bool
	scan       bool
	homehost   string
	configPath string
	backupFile string
}

func newRootCommand() *cobra.Command {
	logLevelFlag := logutil.NewLevelFlag()
	var flags assembleFlags

	cmd := &cobra.Command{
		Use:   "mdassemble TARGET [COMPONENT...]",
		Short: "Assemble a software RAID array from its component devices",

		SilenceErrors: true,
		SilenceUsage:  true,

		Args: cobra.MinimumNArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := logutil.WithLogger(cmd.Context(), logLevelFlag)

			grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
				EnableSignalHandling: true,
			})
			grp.Go("assemble", func(ctx context.Context) error {
				return runAssemble(ctx, flags, args)
			})
			return grp.Wait()
		},
	}

	cmd.PersistentFlags().Var(logLevelFlag, "verbosity", "log verbosity: panic, fatal, error, warn, info, debug, trace")

	cmd.Flags().StringVar(&flags.uuid, "uuid", "", "match only this array UUID (xxxxxxxx:xxxxxxxx:xxxxxxxx:xxxxxxxx)")
	cmd.Flags().StringVar(&flags.name, "name", "", "match only this array name")
	cmd.Flags().IntVar(&flags.superMinor, "super-minor", -1, "match only this superblock minor number")
	cmd.Flags().StringVar(&flags.update, "update", "", "rewrite every accepted superblock with this update verb")
	cmd.Flags().BoolVar(&flags.force, "force", false, "promote stale members and clear resync state to let a degraded set run")
	cmd.Flags().BoolVar(&flags.run, "run", false, "run the array even if it doesn't meet the enough-to-run threshold")
	cmd.Flags().BoolVar(&flags.readonly, "readonly", false, "start the array read-only")
	cmd.Flags().BoolVar(&flags.scan, "scan", false, "also take component devices from --config, added after any given on the command line")
	cmd.Flags().StringVar(&flags.homehost, "homehost", "", "this host's name, for name-field qualification and identity tiebreaks")
	cmd.Flags().StringVar(&flags.configPath, "config", "/etc/mdadm.conf", "mdadm.conf-style config file, consulted when --scan is set")
	cmd.Flags().StringVar(&flags.backupFile, "backup-file", "", "reshape backup file (carried through to the update context, not applied by this core)")

	return cmd
}

func main() {
	cmd := newRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		code := exitFailure
		var ee *exitError
		if as(err, &ee) {
			code = ee.code
			err = ee.err
		}
		fmt.Fprintf(os.Stderr, "mdassemble: %v\n", err)
		os.Exit(code)
	}
}

func as(err error, target **exitError) bool {
	for err != nil {
		if e, ok := err.(*exitError); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func runAssemble(ctx context.Context, flags assembleFlags, args []string) error {
	target := args[0]
	componentPaths := args[1:]

	ident, err := buildIdentity(flags)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}

	if flags.scan {
		cfg, err := config.LoadFile(flags.configPath)
		if err != nil {
			return &exitError{code: exitConfig, err: err}
		}
		componentPaths = append(componentPaths, scannedDevices(cfg)...)
	}
	if len(componentPaths) == 0 {
		return &exitError{code: exitConfig, err: fmt.Errorf("no component devices given (pass paths or use --scan with --config)")}
	}

	pluginReg := mdplugin.NewRegistry(
		super1.Format{},
		mdplugin.NewUnimplementedFormat("0.90"),
		mdplugin.NewUnimplementedFormat("ddf"),
		mdplugin.NewUnimplementedFormat("imsm"),
	)

	collector := candidate.NewCollector(pluginReg, flags.homehost)
	accepted, rejected, err := collector.Collect(ctx, componentPaths, ident)
	if err != nil {
		return &exitError{code: exitFailure, err: err}
	}
	for _, r := range rejected {
		dlog.Infof(ctx, "%s: rejected: %s", r.Path, r.Reason)
	}
	if len(accepted) == 0 {
		return &exitError{code: exitConfig, err: fmt.Errorf("no device matched the requested identity")}
	}

	if flags.update != "" {
		if err := applyUpdate(ctx, accepted, flags, ident); err != nil {
			return &exitError{code: exitFailure, err: err}
		}
	}

	resolved, err := resolve.Resolve(accepted)
	if err != nil {
		return &exitError{code: exitFailure, err: err}
	}

	head := accepted[0].Info
	level, raidDisks, layout := head.Level, head.RaidDisks, head.Layout

	if flags.force && !resolve.Enough(level, raidDisks, layout, resolved.Clean, resolved.Filled()) {
		if _, err := force.PromoteStale(ctx, resolved, accepted, level, raidDisks, layout); err != nil {
			return &exitError{code: exitFailure, err: err}
		}
		resolved, err = resolve.Resolve(accepted)
		if err != nil {
			return &exitError{code: exitFailure, err: err}
		}
	}
	if flags.force && !resolved.Clean && !resolve.Enough(level, raidDisks, layout, resolved.Clean, resolved.Filled()) {
		if err := force.ForceClean(ctx, resolved, level); err != nil {
			return &exitError{code: exitFailure, err: err}
		}
	}

	dlog.Infof(ctx, "okcnt=%d sparecnt=%d rebuildcnt=%d clean=%v",
		resolved.OKCount, resolved.SpareCount, resolved.RebuildCount, resolved.Clean)

	targetFile, err := os.OpenFile(target, os.O_RDWR, 0)
	if err != nil {
		return &exitError{code: exitFailure, err: &mdcore.IoError{Path: target, Op: "open target", Err: err}}
	}
	var unwind derror.MultiError
	targetClosed := false
	defer func() {
		if targetClosed {
			return
		}
		if cerr := targetFile.Close(); cerr != nil {
			unwind = append(unwind, cerr)
		}
	}()

	superMinor := flags.superMinor
	if superMinor < 0 {
		superMinor = guessMinor(target)
	}

	sysfsMD := fmt.Sprintf("/sys/block/md%d/md", superMinor)
	ctrl := kernelctl.NewIoctlController(targetFile, sysfsMD)
	info := kernelctl.ArrayInfo{
		MajorVersion: 1,
		MinorVersion: 2,
		CTime:        uint32(head.CTime),
		Level:        level,
		Size:         int32(head.Size),
		RaidDisks:    int32(raidDisks),
		MdMinor:      int32(superMinor),
		Layout:       int32(layout),
		ChunkSize:    int32(head.ChunkSize),
	}
	if resolved.Clean {
		info.State = 1
	}

	// The identity registry is updated before the array is started, so
	// observers see identity as soon as the kernel publishes the node.
	reg := registry.Open(defaultRegistryPath)
	if err := reg.Upsert(registry.Entry{
		Devnum:          superMinor,
		MetadataVersion: accepted[0].Plugin.Name(),
		ArrayUUID:       head.UUID,
		DisplayName:     head.Name,
		LastPath:        target,
	}); err != nil {
		unwind = append(unwind, err)
	}

	reshape := kernelctl.ReshapeState{Active: head.ReshapeActive, DeltaDisks: head.DeltaDisks}
	startErr := kernelctl.Start(ctrl, info, resolved, int(head.Role), flags.run, layout, reshape)
	if startErr != nil {
		return &exitError{code: exitFailure, err: startErr}
	}
	if flags.readonly {
		if err := ctrl.StopArrayReadonly(); err != nil {
			return &exitError{code: exitFailure, err: err}
		}
	}

	if flags.scan {
		if cerr := targetFile.Close(); cerr != nil {
			unwind = append(unwind, cerr)
		} else {
			targetClosed = true
			reopenCtx, cancel := context.WithTimeout(ctx, time.Second)
			reopened, reopenErr := kernelctl.ReopenAfterStart(reopenCtx, target)
			cancel()
			if reopenErr != nil {
				dlog.Warnf(ctx, "post-start reopen of %s: %v", target, reopenErr)
			} else {
				reopened.Close()
			}
		}
	}

	if len(unwind) > 0 {
		return &exitError{code: exitFailure, err: unwind}
	}
	return nil
}

// buildIdentity turns the CLI flags into a candidate.Identity. A
// field the user is asking --update to change (uuid, name) is
// suppressed from the predicate, spec.md §4.D.
func buildIdentity(flags assembleFlags) (candidate.Identity, error) {
	var ident candidate.Identity
	if flags.uuid != "" && flags.update != "uuid" {
		u, err := parseUUID(flags.uuid)
		if err != nil {
			return ident, err
		}
		ident.UUID, ident.UUIDSet = u, true
	}
	if flags.name != "" && flags.update != "name" {
		ident.Name = flags.name
	}
	if flags.superMinor >= 0 {
		ident.SuperMinor, ident.SuperMinorSet = flags.superMinor, true
	}
	return ident, nil
}

func parseUUID(s string) (mdcore.UUID, error) {
	var u mdcore.UUID
	s = strings.ReplaceAll(s, ":", "")
	s = strings.ReplaceAll(s, "-", "")
	if len(s) != 32 {
		return u, fmt.Errorf("malformed uuid %q", s)
	}
	for i := 0; i < 16; i++ {
		b, err := strconv.ParseInt(s[i*2:i*2+2], 16, 16)
		if err != nil {
			return u, fmt.Errorf("malformed uuid %q", s)
		}
		u[i] = byte(b)
	}
	return u, nil
}

func scannedDevices(cfg config.Source) []string {
	var out []string
	for _, glob := range cfg.DeviceGlobs() {
		matches, err := filepath.Glob(glob)
		if err != nil {
			continue
		}
		out = append(out, matches...)
	}
	for _, a := range cfg.Arrays() {
		out = append(out, a.Devices...)
	}
	return out
}

func guessMinor(target string) int {
	base := filepath.Base(target)
	base = strings.TrimPrefix(base, "md")
	n, err := strconv.Atoi(base)
	if err != nil {
		return 0
	}
	return n
}

// applyUpdate rewrites every accepted superblock with the requested
// verb before resolution, matching original_source/Assemble.c's
// practice of applying --update once across the whole accepted set
// ahead of the enough-to-run decision.
func applyUpdate(ctx context.Context, accepted []candidate.Record, flags assembleFlags, ident candidate.Identity) error {
	newUUID := ident.UUID
	if flags.update == "uuid" && flags.uuid != "" {
		u, err := parseUUID(flags.uuid)
		if err != nil {
			return err
		}
		newUUID = u
	}

	for i := range accepted {
		rec := &accepted[i]
		opened, err := probe.OpenExclusive(ctx, rec.Path)
		if err != nil {
			return err
		}
		h, _, err := rec.Plugin.Update(rec.Handle, flags.update, mdplugin.UpdateContext{
			NewUUID:    newUUID,
			NewName:    flags.name,
			HomeHost:   flags.homehost,
			BackupFile: flags.backupFile,
		})
		if err == nil {
			rec.Handle = h
			err = rec.Plugin.Store(ctx, opened.File, rec.Handle)
		}
		opened.File.Close()
		if err != nil {
			return err
		}
		rec.Info = rec.Plugin.GetInfo(rec.Handle)
	}
	return nil
}
