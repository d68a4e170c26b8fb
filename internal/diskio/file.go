// SPDX-License-Identifier: GPL-2.0-or-later

// Package diskio provides the low-level file abstraction that the
// metadata codec reads and writes superblocks through.
package diskio

import (
	"io"
	"os"
)

// File is a random-access byte range addressed in bytes. Every block
// device or backing file the core touches is accessed through this
// interface rather than directly through *os.File, so tests can swap
// in an in-memory or sparse-file-backed implementation.
type File interface {
	Name() string
	Size() int64
	Close() error
	ReadAt(p []byte, off int64) (n int, err error)
	WriteAt(p []byte, off int64) (n int, err error)
}

// OSFile adapts *os.File to File.
type OSFile struct {
	*os.File
}

var _ File = (*OSFile)(nil)

func (f *OSFile) Size() int64 {
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0
	}
	return size
}
