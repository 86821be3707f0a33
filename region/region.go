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

// Package region allocates the memory whose migration gets measured. Each
// region is one page-sized block of anonymous memory that is bound to a NUMA
// node and touched so that it is physically backed.
package region

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/edsrzf/mmap-go"

	"github.com/google/page_migration_bench/pab"
)

// Mode says how regions are backed.
type Mode int

const (
	ModeNormal Mode = iota // Native pages, bound to the source node.
	ModeHuge               // 2MiB transparent huge pages, not bound to any node.
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeHuge:
		return "huge"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// NoNode is the Node of a region that isn't bound to a NUMA node.
const NoNode = -1

// EffectivePageSize decides the size of each region given the size the user
// asked for. Sizes below the native page size get rounded up, sizes above it
// select huge page mode, where only pab.HugePageSize is supported. The returned
// warnings describe any such adjustment and should be shown to the user.
func EffectivePageSize(requested, native pab.ByteSize) (pab.ByteSize, Mode, []string) {
	switch {
	case requested < native:
		return native, ModeNormal, []string{
			fmt.Sprintf("page size %d is smaller than the system page size, using %d bytes.", requested, native),
		}
	case requested > native:
		return pab.HugePageSize, ModeHuge, []string{
			fmt.Sprintf("only %s huge pages are supported, using page size %d bytes.", pab.HugePageSize, pab.HugePageSize),
			"NUMA node placement is not implemented for huge pages, pages are not bound to the source node.",
		}
	default:
		return requested, ModeNormal, nil
	}
}

// Region is a block of memory owned by a Set.
type Region struct {
	Data []byte
	Node int // NUMA node the region is bound to, or NoNode.
	Huge bool

	// Data is a window into mapping, which may be larger for alignment.
	mapping mmap.MMap
}

// Addr is the base address of the region.
func (r *Region) Addr() uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(r.Data)))
}

// Size is the length of the region.
func (r *Region) Size() pab.ByteSize {
	return pab.ByteSize(len(r.Data))
}

// Touch zero-fills the region, which forces the kernel to back it with
// physical pages.
func (r *Region) Touch() {
	clear(r.Data)
}

// Set is an ordered collection of regions of the same size. It owns the
// regions' memory until Close.
type Set struct {
	Regions []*Region

	mem Memory
}

// Len is the number of regions in the set.
func (s *Set) Len() int {
	return len(s.Regions)
}

// Addrs returns the base address of every region, index-aligned with Regions.
func (s *Set) Addrs() []uintptr {
	addrs := make([]uintptr, len(s.Regions))
	for i, r := range s.Regions {
		addrs[i] = r.Addr()
	}
	return addrs
}

// Close releases every region. Regions are released exactly once no matter how
// many times Close is called. Returns the errors from all failed unmaps.
func (s *Set) Close() error {
	var errs []error
	for _, r := range s.Regions {
		if r.mapping == nil {
			continue
		}
		if err := s.mem.Unmap(r.mapping); err != nil {
			errs = append(errs, fmt.Errorf("unmapping region at 0x%x: %w", r.Addr(), err))
		}
		r.mapping = nil
		r.Data = nil
	}
	s.Regions = nil
	return errors.Join(errs...)
}
