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

package region

import (
	"fmt"
	"io"
	"unsafe"

	"github.com/edsrzf/mmap-go"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/google/page_migration_bench/linux"
	"github.com/google/page_migration_bench/pab"
)

// Memory is the OS interface the Allocator needs.
type Memory interface {
	// Map returns a new private anonymous read/write mapping.
	Map(size int) (mmap.MMap, error)
	// Unmap releases a mapping returned by Map.
	Unmap(m mmap.MMap) error
	// Bind restricts the pages backing b to the given NUMA node.
	Bind(b []byte, node int) error
	// AdviseHuge marks b as eligible for transparent huge pages.
	AdviseHuge(b []byte) error
}

// SystemMemory implements Memory with real syscalls.
type SystemMemory struct{}

func (SystemMemory) Map(size int) (mmap.MMap, error) {
	return mmap.MapRegion(nil, size, mmap.COPY, mmap.ANON, 0)
}

func (SystemMemory) Unmap(m mmap.MMap) error {
	return m.Unmap()
}

func (SystemMemory) Bind(b []byte, node int) error {
	mask, err := linux.NewNodeMask(node)
	if err != nil {
		return err
	}
	return linux.Mbind(b, linux.MPOL_BIND, mask, 0)
}

func (SystemMemory) AdviseHuge(b []byte) error {
	if err := unix.Madvise(b, unix.MADV_HUGEPAGE); err != nil {
		return fmt.Errorf("madvise(%p, %d, MADV_HUGEPAGE): %w", unsafe.SliceData(b), len(b), err)
	}
	return nil
}

// AdviseErrors explains the ways madvise(MADV_HUGEPAGE) can fail.
var AdviseErrors = linux.ErrnoTable{
	unix.EAGAIN: "A kernel resource was temporarily unavailable.",
	unix.EBADF:  "The map exists, but the area maps something that isn't a file.",
	unix.EINVAL: "Invalid argument: the address is not page aligned, or transparent huge pages are not supported by this kernel.",
}

// Allocator creates region sets.
type Allocator struct {
	mem Memory
	out io.Writer // Receives user-facing error lines.
	log *zap.Logger

	bindErrorLogged    bool
	adviseErrorsLogged map[unix.Errno]bool
}

// NewAllocator returns an Allocator. Errors the user should know about, but
// that don't stop the allocation, get printed to out.
func NewAllocator(mem Memory, out io.Writer, log *zap.Logger) *Allocator {
	return &Allocator{
		mem:                mem,
		out:                out,
		log:                log,
		adviseErrorsLogged: make(map[unix.Errno]bool),
	}
}

// Allocate creates count regions of the given size and mode and touches each
// one right after allocating it. In ModeNormal regions are bound to node. On
// error, regions allocated so far are released and the Set is nil.
func (a *Allocator) Allocate(count int, size pab.ByteSize, mode Mode, node int) (*Set, error) {
	set := &Set{mem: a.mem}
	a.log.Debug("allocating regions",
		zap.Int("count", count), zap.Stringer("size", size),
		zap.Stringer("mode", mode), zap.Int("node", node))
	for i := 0; i < count; i++ {
		var r *Region
		var err error
		if mode == ModeHuge {
			r, err = a.allocHuge()
		} else {
			r, err = a.allocOnNode(size, node)
		}
		if err != nil {
			set.Close()
			return nil, fmt.Errorf("allocating region %d of %d: %w", i+1, count, err)
		}
		set.Regions = append(set.Regions, r)
		r.Touch()
		a.log.Debug("allocated region", zap.Int("index", i),
			zap.Uintptr("addr", r.Addr()), zap.Int("node", r.Node))
	}
	return set, nil
}

func (a *Allocator) allocOnNode(size pab.ByteSize, node int) (*Region, error) {
	m, err := a.mem.Map(int(size.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("mapping %s: %w", size, err)
	}
	r := &Region{Data: m, Node: node, mapping: m}
	if err := a.mem.Bind(m, node); err != nil {
		// Same as libnuma: the memory is still usable, just not where we
		// wanted it.
		if !a.bindErrorLogged {
			fmt.Fprintf(a.out, "Warning: couldn't bind memory to node %d, regions are unbound: %v\n", node, err)
			a.bindErrorLogged = true
		}
		r.Node = NoNode
	}
	return r, nil
}

// Huge pages need to be aligned to their size, mmap only guarantees native
// page alignment. So map twice the size and use the aligned part.
func (a *Allocator) allocHuge() (*Region, error) {
	size := int(pab.HugePageSize.Bytes())
	m, err := a.mem.Map(2 * size)
	if err != nil {
		return nil, fmt.Errorf("mapping %s: %w", 2*pab.HugePageSize, err)
	}
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(m)))
	offset := int((uintptr(size) - addr%uintptr(size)) % uintptr(size))
	r := &Region{
		Data:    m[offset : offset+size : offset+size],
		Node:    NoNode,
		Huge:    true,
		mapping: m,
	}
	if err := a.mem.AdviseHuge(r.Data); err != nil {
		a.reportAdviseError(err)
	}
	return r, nil
}

// Each distinct failure is only reported once, they tend to repeat for every
// region.
func (a *Allocator) reportAdviseError(err error) {
	a.log.Debug("huge page advice failed", zap.Error(err))
	msg, ok := AdviseErrors.Lookup(err)
	if !ok || a.adviseErrorsLogged[msg.Errno] {
		return
	}
	a.adviseErrorsLogged[msg.Errno] = true
	fmt.Fprintln(a.out, msg)
}
