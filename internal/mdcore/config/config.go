// SPDX-License-Identifier: GPL-2.0-or-later

// Package config reads the mdadm.conf-style ARRAY/DEVICE directives
// that back --scan: a narrow Source interface plus a minimal line
// reader, grounded on the subset of mdadm.conf syntax original_source/
// mdadm.c's Assemble auto-scan path consumes.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"git.mdraid.dev/mdassemble-ng/internal/mdcore"
)

// ArrayDirective is one parsed "ARRAY" line: the target device path,
// the array identity, and the explicit component devices listed via
// devices=, per original_source/mdadm.c's config-file grammar
// ("ARRAY <path> [identifier...]", identifiers being key=value pairs
// plus the comma-separated devices= list).
type ArrayDirective struct {
	Path          string
	UUID          mdcore.UUID
	UUIDSet       bool
	Name          string
	SuperMinor    int
	SuperMinorSet bool
	Devices       []string
}

// Source is the narrow interface the assemble orchestration depends
// on, so tests can substitute an in-memory config without a file on
// disk.
type Source interface {
	Arrays() []ArrayDirective
	DeviceGlobs() []string
}

// File is a Source backed by an mdadm.conf-style file.
type File struct {
	arrays  []ArrayDirective
	devices []string
}

func (f *File) Arrays() []ArrayDirective { return f.arrays }
func (f *File) DeviceGlobs() []string    { return f.devices }

// Parse reads ARRAY and DEVICE directives from r. Unknown directives
// and comments (leading '#') are ignored, matching mdadm.conf's
// tolerance for lines it doesn't understand.
func Parse(r io.Reader) (*File, error) {
	cfg := &File{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		switch strings.ToUpper(fields[0]) {
		case "DEVICE":
			cfg.devices = append(cfg.devices, fields[1:]...)
		case "ARRAY":
			cfg.arrays = append(cfg.arrays, parseArrayLine(fields[1:]))
		}
	}
	return cfg, sc.Err()
}

func parseArrayLine(fields []string) ArrayDirective {
	var d ArrayDirective
	d.SuperMinor = -1
	if len(fields) == 0 {
		return d
	}
	d.Path, fields = fields[0], fields[1:]
	for _, field := range fields {
		switch {
		case strings.HasPrefix(field, "uuid="):
			if u, ok := parseUUID(strings.TrimPrefix(field, "uuid=")); ok {
				d.UUID, d.UUIDSet = u, true
			}
		case strings.HasPrefix(field, "name="):
			d.Name = strings.TrimPrefix(field, "name=")
		case strings.HasPrefix(field, "super-minor="):
			if n, ok := parseInt(strings.TrimPrefix(field, "super-minor=")); ok {
				d.SuperMinor, d.SuperMinorSet = n, true
			}
		case strings.HasPrefix(field, "devices="):
			d.Devices = append(d.Devices, strings.Split(strings.TrimPrefix(field, "devices="), ",")...)
		}
	}
	return d
}

func parseUUID(s string) (mdcore.UUID, bool) {
	var u mdcore.UUID
	s = strings.ReplaceAll(s, ":", "")
	s = strings.ReplaceAll(s, "-", "")
	if len(s) != 32 {
		return u, false
	}
	for i := 0; i < 16; i++ {
		var b byte
		if _, err := fmt.Sscanf(s[i*2:i*2+2], "%02x", &b); err != nil {
			return u, false
		}
		u[i] = b
	}
	return u, true
}

func parseInt(s string) (int, bool) {
	n := 0
	if s == "" {
		return 0, false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}

// LoadFile opens and parses path.
func LoadFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &mdcore.IoError{Path: path, Op: "open config", Err: err}
	}
	defer f.Close()
	return Parse(f)
}
