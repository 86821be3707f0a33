// Copyright 2024 Google LLC
//
// This program is free software; you can redistribute it and/or
// modify it under the terms of the GNU General Public License
// as published by the Free Software Foundation; either version 2
// of the License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program; If not, see <http://www.gnu.org/licenses/>.

// Package pab contains global utilities for page_migration_bench.
package pab

import (
	"errors"
	"fmt"
	"os"
)

const (
	Kilobyte ByteSize = 1024
	Megabyte ByteSize = 1024 * Kilobyte
	Gigabyte ByteSize = 1024 * Megabyte

	// HugePageSize is the only huge page size we know how to allocate.
	HugePageSize ByteSize = 2 * Megabyte
)

// ErrInvalidArgument is wrapped by errors about bad command line input.
var ErrInvalidArgument = errors.New("invalid argument")

type ByteSize int64

// NativePageSize is the base page size of the platform.
func NativePageSize() ByteSize {
	return ByteSize(os.Getpagesize())
}

func (s ByteSize) Bytes() int64 {
	return int64(s)
}

func (s ByteSize) String() string {
	abs := s
	if s < 0 {
		abs = -s
	}
	switch {
	case abs < Kilobyte:
		return fmt.Sprintf("%dB", s)
	case abs < Megabyte:
		return fmt.Sprintf("%.2fKiB", float64(s)/float64(Kilobyte))
	case abs < Gigabyte:
		return fmt.Sprintf("%.2fMiB", float64(s)/float64(Megabyte))
	default:
		return fmt.Sprintf("%.2fGiB", float64(s)/float64(Gigabyte))
	}
}

// Cleanups is a stack of functions to run on teardown. The zero value is ready
// to use. Run calls them in reverse order of registration and forgets them, so
// calling it again is a no-op.
type Cleanups struct {
	fns []func()
}

// Cleanup registers fn to be called by Run.
func (c *Cleanups) Cleanup(fn func()) {
	c.fns = append(c.fns, fn)
}

// Run runs all registered cleanups, most recent first.
func (c *Cleanups) Run() {
	fns := c.fns
	c.fns = nil
	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}
