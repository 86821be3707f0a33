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

// Package migrate moves a batch of pages to another NUMA node with
// move_pages(2) and measures how long that takes.
package migrate

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/google/page_migration_bench/linux"
)

// Errors explains the ways move_pages can fail.
var Errors = linux.ErrnoTable{
	unix.E2BIG:  "Too many pages to move.",
	unix.EACCES: "One of the target nodes is not allowed by the current cpuset.",
	unix.EFAULT: "Parameter array could not be accessed.",
	unix.EINVAL: "Flags other than MPOL_MF_MOVE and MPOL_MF_MOVE_ALL was specified or an attempt was made to migrate pages of a kernel thread.",
	unix.ENODEV: "One of the target nodes is not online.",
	unix.ENOENT: "No pages were found that require moving. All pages are either already on the target node, not present, had an invalid address or could not be moved because they were mapped by multiple processes.",
	unix.EPERM:  "The caller specified MPOL_MF_MOVE_ALL without sufficient privileges (CAP_SYS_NICE). Or, the caller attempted to move pages of a process belonging to another user but did not have privilege to do so (CAP_SYS_NICE).",
	unix.ESRCH:  "Process does not exist.",
}

// Mover is the OS interface the Migrator needs. See linux.MovePages.
type Mover interface {
	MovePages(pid int, pages []uintptr, nodes []int32, status []int32, flags int) (int, error)
}

// SystemMover implements Mover with the real syscall.
type SystemMover struct{}

func (SystemMover) MovePages(pid int, pages []uintptr, nodes []int32, status []int32, flags int) (int, error) {
	return linux.MovePages(pid, pages, nodes, status, flags)
}

// Request holds the arrays move_pages operates on. They are index-aligned:
// Pages[i] moves to Nodes[i] and its outcome lands in Status[i].
type Request struct {
	Pages  []uintptr
	Nodes  []int32
	Status []int32
}

// NewRequest asks for every page to be moved to target.
func NewRequest(pages []uintptr, target int) *Request {
	r := &Request{
		Pages:  pages,
		Nodes:  make([]int32, len(pages)),
		Status: make([]int32, len(pages)),
	}
	for i := range r.Nodes {
		r.Nodes[i] = int32(target)
	}
	return r
}

// Len is the number of pages in the request.
func (r *Request) Len() int {
	return len(r.Pages)
}

// NotMigratedError is returned when move_pages succeeded but left some pages
// where they were.
type NotMigratedError struct {
	Count int
	Total int
}

func (e *NotMigratedError) Error() string {
	return fmt.Sprintf("%d of %d pages were not migrated", e.Count, e.Total)
}

// Result is the outcome of one migration.
type Result struct {
	Elapsed time.Duration // Only meaningful if Err is nil.
	Err     error

	// Per-page status written by the kernel: the node the page is now on, or a
	// negative errno.
	Status []int32
}

// Message explains Err, if it's one of the documented failures.
func (r *Result) Message() (linux.ErrnoMessage, bool) {
	return Errors.Lookup(r.Err)
}

// Migrator runs migrations.
type Migrator struct {
	mover Mover
	log   *zap.Logger
	now   func() time.Time
}

// New returns a Migrator that uses mover.
func New(mover Mover, log *zap.Logger) *Migrator {
	return &Migrator{mover: mover, log: log, now: time.Now}
}

// Run issues a single best-effort (MPOL_MF_MOVE) move_pages call for every
// page in req, against the calling process. Only the syscall itself is timed.
func (m *Migrator) Run(req *Request) *Result {
	pid := unix.Getpid()
	m.log.Debug("calling move_pages", zap.Int("pid", pid), zap.Int("pages", req.Len()))

	start := m.now()
	notMoved, err := m.mover.MovePages(pid, req.Pages, req.Nodes, req.Status, linux.MPOL_MF_MOVE)
	end := m.now()

	m.log.Debug("move_pages returned", zap.Int("notMoved", notMoved), zap.Error(err))
	if err == nil && notMoved > 0 {
		err = &NotMigratedError{Count: notMoved, Total: req.Len()}
	}
	return &Result{
		Elapsed: end.Sub(start),
		Err:     err,
		Status:  req.Status,
	}
}

// StatusCount is the number of pages that ended up with the same status.
type StatusCount struct {
	Status int32
	Count  int
}

func (c StatusCount) String() string {
	if c.Status >= 0 {
		return fmt.Sprintf("node %d: %d pages", c.Status, c.Count)
	}
	errno := unix.Errno(-c.Status)
	name := unix.ErrnoName(errno)
	if name == "" {
		name = fmt.Sprintf("errno %d", int(errno))
	}
	return fmt.Sprintf("%s: %d pages", name, c.Count)
}

// SummarizeStatus counts pages per status value. Nodes come first in
// increasing order, then errors.
func SummarizeStatus(status []int32) []StatusCount {
	counts := make(map[int32]int)
	for _, s := range status {
		counts[s]++
	}
	summary := make([]StatusCount, 0, len(counts))
	for s, c := range counts {
		summary = append(summary, StatusCount{Status: s, Count: c})
	}
	sort.Slice(summary, func(i, j int) bool {
		a, b := summary[i].Status, summary[j].Status
		if (a >= 0) != (b >= 0) {
			return a >= 0
		}
		if a >= 0 {
			return a < b
		}
		return a > b
	})
	return summary
}
