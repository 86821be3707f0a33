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

package linux

import (
	"errors"
	"fmt"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestNewNodeMask(t *testing.T) {
	mask, err := NewNodeMask(0, 3, 64)
	require.NoError(t, err)
	assert.Equal(t, NodeMask{0b1001, 1}, mask)
	assert.Equal(t, []int{0, 3, 64}, mask.Nodes())

	_, err = NewNodeMask(-1)
	assert.Error(t, err)
	_, err = NewNodeMask(MaxNUMANodes)
	assert.Error(t, err)
}

func TestErrnoTableLookup(t *testing.T) {
	table := ErrnoTable{unix.ENOENT: "nothing here"}

	msg, ok := table.Lookup(fmt.Errorf("wrapped: %w", unix.ENOENT))
	require.True(t, ok)
	assert.Equal(t, "ENOENT", msg.Name())
	assert.Equal(t, "Error ENOENT: nothing here", msg.String())

	_, ok = table.Lookup(unix.EBUSY)
	assert.False(t, ok)
	_, ok = table.Lookup(errors.New("not an errno"))
	assert.False(t, ok)
	_, ok = table.Lookup(nil)
	assert.False(t, ok)
}

func TestMovePagesLengthMismatch(t *testing.T) {
	_, err := MovePages(unix.Getpid(), make([]uintptr, 2), make([]int32, 1), make([]int32, 2), MPOL_MF_MOVE)
	assert.Error(t, err)
}

// Moving a freshly faulted page to node 0 exercises the syscall without
// needing more than one node.
func TestMovePagesToNodeZero(t *testing.T) {
	b, err := unix.Mmap(-1, 0, unix.Getpagesize(), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	require.NoError(t, err)
	defer unix.Munmap(b)
	b[0] = 1

	pages := []uintptr{uintptr(unsafe.Pointer(&b[0]))}
	nodes := []int32{0}
	status := []int32{-1}
	notMoved, err := MovePages(unix.Getpid(), pages, nodes, status, MPOL_MF_MOVE)
	if errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.EPERM) {
		t.Skipf("move_pages unavailable: %v", err)
	}
	switch {
	case err == nil:
		assert.GreaterOrEqual(t, notMoved, 0)
	case errors.Is(err, unix.ENOENT), errors.Is(err, unix.EACCES), errors.Is(err, unix.ENODEV):
	default:
		t.Fatalf("unexpected move_pages error: %v", err)
	}
}
