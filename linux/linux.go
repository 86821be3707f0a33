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

// Package linux provides wrappers for linux syscalls.
package linux

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Memory policy modes and move_pages flags from <linux/mempolicy.h>. Not
// exported by x/sys/unix.
const (
	MPOL_BIND = 2

	MPOL_MF_MOVE = 1 << 1 // Move pages owned only by this process.
)

// MaxNUMANodes bounds the node IDs we are willing to put in a node mask.
const MaxNUMANodes = 1024

// NodeMask is a bitmap of NUMA node IDs as the kernel's mempolicy syscalls
// expect it.
type NodeMask []uint64

// NewNodeMask creates a NodeMask with the given node IDs set.
func NewNodeMask(nodes ...int) (NodeMask, error) {
	maxNode := 0
	for _, node := range nodes {
		if node < 0 || node >= MaxNUMANodes {
			return nil, fmt.Errorf("NUMA node %d out of range [0, %d)", node, MaxNUMANodes)
		}
		maxNode = max(maxNode, node)
	}
	mask := make(NodeMask, (maxNode/64)+1)
	for _, node := range nodes {
		mask[node/64] |= 1 << (node % 64)
	}
	return mask, nil
}

// Nodes returns the node IDs set in the mask, in increasing order.
func (m NodeMask) Nodes() []int {
	var nodes []int
	for i := 0; i < len(m)*64; i++ {
		if m[i/64]&(1<<(i%64)) != 0 {
			nodes = append(nodes, i)
		}
	}
	return nodes
}

// Mbind wraps the mbind syscall, applying the memory policy to the pages
// backing b. Returned errors wrap a unix.Errno.
func Mbind(b []byte, mode int, mask NodeMask, flags int) error {
	if len(b) == 0 {
		return nil
	}
	// The kernel ignores the last bit of maxnode.
	maxNode := uintptr(len(mask)*64 + 1)
	_, _, errno := unix.Syscall6(unix.SYS_MBIND,
		uintptr(unsafe.Pointer(unsafe.SliceData(b))), uintptr(len(b)),
		uintptr(mode), uintptr(unsafe.Pointer(unsafe.SliceData(mask))), maxNode,
		uintptr(flags))
	if errno != 0 {
		return fmt.Errorf("mbind(%p, %d, %d, %v): %w", unsafe.SliceData(b), len(b), mode, mask.Nodes(), errno)
	}
	return nil
}

// MovePages wraps the move_pages syscall. pages, nodes and status must have
// the same length. On success it returns the number of pages that could not
// be moved, which is always 0 on kernels before 4.17. Returned errors wrap a
// unix.Errno.
func MovePages(pid int, pages []uintptr, nodes []int32, status []int32, flags int) (int, error) {
	if len(nodes) != len(pages) || len(status) != len(pages) {
		return 0, fmt.Errorf("move_pages: %d pages, %d nodes, %d status entries",
			len(pages), len(nodes), len(status))
	}
	r1, _, errno := unix.Syscall6(unix.SYS_MOVE_PAGES,
		uintptr(pid), uintptr(len(pages)),
		uintptr(unsafe.Pointer(unsafe.SliceData(pages))),
		uintptr(unsafe.Pointer(unsafe.SliceData(nodes))),
		uintptr(unsafe.Pointer(unsafe.SliceData(status))),
		uintptr(flags))
	if errno != 0 {
		return 0, fmt.Errorf("move_pages(%d, %d pages): %w", pid, len(pages), errno)
	}
	return int(r1), nil
}

// ErrnoMessage is a human-readable explanation of a syscall failure.
type ErrnoMessage struct {
	Errno unix.Errno
	Text  string
}

// Name is the symbolic name of the errno, e.g. "E2BIG".
func (m ErrnoMessage) Name() string {
	if name := unix.ErrnoName(m.Errno); name != "" {
		return name
	}
	return fmt.Sprintf("errno %d", int(m.Errno))
}

func (m ErrnoMessage) String() string {
	return fmt.Sprintf("Error %s: %s", m.Name(), m.Text)
}

// ErrnoTable maps the errnos a syscall is documented to return onto
// explanations. Errnos not in the table have no explanation.
type ErrnoTable map[unix.Errno]string

// Lookup finds the explanation for the errno wrapped by err, if any.
func (t ErrnoTable) Lookup(err error) (ErrnoMessage, bool) {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return ErrnoMessage{}, false
	}
	text, ok := t[errno]
	if !ok {
		return ErrnoMessage{}, false
	}
	return ErrnoMessage{Errno: errno, Text: text}, true
}
