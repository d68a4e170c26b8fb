// SPDX-License-Identifier: GPL-2.0-or-later

// Package logutil wires the CLI's --verbosity flag to a dlib logger
// backed by logrus, the way cmd/btrfs-rec's main.go does.
package logutil

import (
	"context"

	"github.com/datawire/dlib/dlog"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

// LevelFlag is a pflag.Value that parses a logrus level name.
type LevelFlag struct {
	Level logrus.Level
}

var _ pflag.Value = (*LevelFlag)(nil)

func NewLevelFlag() *LevelFlag {
	return &LevelFlag{Level: logrus.InfoLevel}
}

func (f *LevelFlag) Type() string { return "loglevel" }

func (f *LevelFlag) Set(str string) error {
	lvl, err := logrus.ParseLevel(str)
	if err != nil {
		return err
	}
	f.Level = lvl
	return nil
}

func (f *LevelFlag) String() string { return f.Level.String() }

// WithLogger installs a logrus-backed dlog.Logger at the configured
// level into ctx.
func WithLogger(ctx context.Context, f *LevelFlag) context.Context {
	logger := logrus.New()
	logger.SetLevel(f.Level)
	return dlog.WithLogger(ctx, dlog.WrapLogrus(logger))
}
