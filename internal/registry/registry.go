// SPDX-License-Identifier: GPL-2.0-or-later

// Package registry implements the Array Identity Registry: a small,
// file-backed, advisory-locked table recording which md device number
// an array UUID was last assembled onto, so a later run picks the
// same device node and display name instead of wandering across
// /dev/mdN slots (spec.md §4.H). The on-disk format mirrors mdadm's
// own /var/run/mdadm/map: one space-separated line per array.
package registry

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"git.mdraid.dev/mdassemble-ng/internal/mdcore"
)

// Entry is one row of the registry.
type Entry struct {
	Devnum          int
	MetadataVersion string
	ArrayUUID       mdcore.UUID
	DisplayName     string
	LastPath        string
}

// Registry is the file-backed table, opened once and locked for the
// duration of each mutating operation.
type Registry struct {
	path string
}

func Open(path string) *Registry {
	return &Registry{path: path}
}

// withLock opens the registry file, takes an exclusive advisory lock
// (flock, not POSIX byte-range locks, matching the original's
// single-writer-at-a-time map file discipline), runs fn, and releases
// the lock on return.
func (r *Registry) withLock(fn func(f *os.File) error) error {
	f, err := os.OpenFile(r.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return &mdcore.IoError{Path: r.path, Op: "open registry", Err: err}
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return &mdcore.IoError{Path: r.path, Op: "flock registry", Err: err}
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	return fn(f)
}

func readEntries(f *os.File) ([]Entry, error) {
	if _, err := f.Seek(0, 0); err != nil {
		return nil, err
	}
	var entries []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		e, err := parseLine(line)
		if err != nil {
			continue // tolerate a line written by a format this reader doesn't know
		}
		entries = append(entries, e)
	}
	return entries, sc.Err()
}

func parseLine(line string) (Entry, error) {
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return Entry{}, fmt.Errorf("malformed registry line %q", line)
	}
	devnum, err := strconv.Atoi(fields[0])
	if err != nil {
		return Entry{}, err
	}
	var uuid mdcore.UUID
	raw, err := hexUUID(fields[2])
	if err != nil {
		return Entry{}, err
	}
	uuid = raw
	e := Entry{
		Devnum:          devnum,
		MetadataVersion: fields[1],
		ArrayUUID:       uuid,
		DisplayName:     fields[3],
	}
	if len(fields) >= 5 {
		e.LastPath = fields[4]
	}
	return e, nil
}

func hexUUID(s string) (mdcore.UUID, error) {
	var u mdcore.UUID
	s = strings.ReplaceAll(s, ":", "")
	if len(s) != 32 {
		return u, fmt.Errorf("bad uuid %q", s)
	}
	for i := 0; i < 16; i++ {
		var b byte
		if _, err := fmt.Sscanf(s[i*2:i*2+2], "%02x", &b); err != nil {
			return u, err
		}
		u[i] = b
	}
	return u, nil
}

func formatLine(e Entry) string {
	path := e.LastPath
	if path == "" {
		path = "-"
	}
	return fmt.Sprintf("%d %s %s %s %s\n", e.Devnum, e.MetadataVersion, e.ArrayUUID.String(), e.DisplayName, path)
}

// Lookup returns the entry for uuid, if one exists.
func (r *Registry) Lookup(uuid mdcore.UUID) (Entry, bool, error) {
	var (
		found Entry
		ok    bool
	)
	err := r.withLock(func(f *os.File) error {
		entries, err := readEntries(f)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.ArrayUUID == uuid {
				found, ok = e, true
				return nil
			}
		}
		return nil
	})
	return found, ok, err
}

// Upsert writes e into the registry, replacing any existing row for
// the same UUID, before the array is started — matching the original
// tool's practice of recording the devnum choice up front so a
// concurrent second assemble attempt sees it.
func (r *Registry) Upsert(e Entry) error {
	return r.withLock(func(f *os.File) error {
		entries, err := readEntries(f)
		if err != nil {
			return err
		}
		replaced := false
		for i, existing := range entries {
			if existing.ArrayUUID == e.ArrayUUID {
				entries[i] = e
				replaced = true
				break
			}
		}
		if !replaced {
			entries = append(entries, e)
		}
		return rewrite(f, entries)
	})
}

// Remove deletes the row for uuid, if any.
func (r *Registry) Remove(uuid mdcore.UUID) error {
	return r.withLock(func(f *os.File) error {
		entries, err := readEntries(f)
		if err != nil {
			return err
		}
		out := entries[:0]
		for _, e := range entries {
			if e.ArrayUUID != uuid {
				out = append(out, e)
			}
		}
		return rewrite(f, out)
	})
}

func rewrite(f *os.File, entries []Entry) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, e := range entries {
		if _, err := w.WriteString(formatLine(e)); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}
