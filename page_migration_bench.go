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

// Command page_migration_bench measures how long it takes to migrate a batch of
// pages from one NUMA node to another with move_pages(2).
//
// Usage: page_migration_bench [-v] [-status] n p x y
//
// It allocates n pages of p bytes on node x, touches them, moves them all to
// node y with a single syscall and prints the time that took.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"runtime"
	"strconv"

	"go.uber.org/zap"

	"github.com/google/page_migration_bench/linux"
	"github.com/google/page_migration_bench/migrate"
	"github.com/google/page_migration_bench/pab"
	"github.com/google/page_migration_bench/region"
)

var (
	verboseFlag = flag.Bool("v", false, "Log debug details to stderr")
	statusFlag  = flag.Bool("status", false, "After migrating, print how many pages ended up with each status")
)

const usage = "usage: page_migration_bench [-v] [-status] n p x y"

// Config is the parsed command line.
type Config struct {
	Pages    int          // n: number of pages to migrate.
	PageSize pab.ByteSize // p: requested page size.
	Source   int          // x: NUMA node to allocate on.
	Target   int          // y: NUMA node to migrate to.
}

func parseInt(name, s string, lowest int64) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer, got %q", pab.ErrInvalidArgument, name, s)
	}
	if v < lowest {
		return 0, fmt.Errorf("%w: %s must be at least %d, got %d", pab.ErrInvalidArgument, name, lowest, v)
	}
	return v, nil
}

func parseNode(name, s string) (int, error) {
	v, err := parseInt(name, s, 0)
	if err != nil {
		return 0, err
	}
	if v >= linux.MaxNUMANodes {
		return 0, fmt.Errorf("%w: %s must be below %d, got %d", pab.ErrInvalidArgument, name, linux.MaxNUMANodes, v)
	}
	return int(v), nil
}

// parseArgs parses the positional arguments n, p, x and y.
func parseArgs(args []string) (*Config, error) {
	if len(args) != 4 {
		return nil, fmt.Errorf("%w: expected 4 arguments, got %d", pab.ErrInvalidArgument, len(args))
	}
	n, err := parseInt("n", args[0], 1)
	if err != nil {
		return nil, err
	}
	if n > math.MaxInt32 {
		return nil, fmt.Errorf("%w: n must be at most %d, got %d", pab.ErrInvalidArgument, math.MaxInt32, n)
	}
	p, err := parseInt("p", args[1], 1)
	if err != nil {
		return nil, err
	}
	x, err := parseNode("x", args[2])
	if err != nil {
		return nil, err
	}
	y, err := parseNode("y", args[3])
	if err != nil {
		return nil, err
	}
	return &Config{
		Pages:    int(n),
		PageSize: pab.ByteSize(p),
		Source:   x,
		Target:   y,
	}, nil
}

type bench struct {
	out        io.Writer
	mem        region.Memory
	mover      migrate.Mover
	log        *zap.Logger
	showStatus bool
}

// run executes the benchmark. Migration failures are reported on b.out but are
// not errors: only bad input and failing to allocate are.
func (b *bench) run(cfg *Config) error {
	fmt.Fprintf(b.out, "page_migration_bench: %d pages of size %d bytes to be migrated from node %d to node %d.\n",
		cfg.Pages, cfg.PageSize, cfg.Source, cfg.Target)

	size, mode, warnings := region.EffectivePageSize(cfg.PageSize, pab.NativePageSize())
	for _, w := range warnings {
		fmt.Fprintf(b.out, "Warning: %s\n", w)
	}

	var c pab.Cleanups
	defer c.Run()

	// Keep every phase on one thread.
	runtime.LockOSThread()
	c.Cleanup(runtime.UnlockOSThread)

	set, err := region.NewAllocator(b.mem, b.out, b.log).Allocate(cfg.Pages, size, mode, cfg.Source)
	if err != nil {
		return err
	}
	c.Cleanup(func() {
		if err := set.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Couldn't release memory: %v\n", err)
		}
	})

	req := migrate.NewRequest(set.Addrs(), cfg.Target)
	result := migrate.New(b.mover, b.log).Run(req)
	b.report(result)
	return nil
}

func (b *bench) report(result *migrate.Result) {
	if result.Err == nil {
		fmt.Fprintf(b.out, "Time: %g seconds.\n", result.Elapsed.Seconds())
	} else if msg, ok := result.Message(); ok {
		fmt.Fprintln(b.out, msg)
	}
	b.log.Debug("migration finished", zap.Duration("elapsed", result.Elapsed), zap.Error(result.Err))

	if !b.showStatus {
		return
	}
	// If the syscall itself failed the kernel may not have written any status.
	var notMigrated *migrate.NotMigratedError
	if result.Err != nil && !errors.As(result.Err, &notMigrated) {
		return
	}
	for _, count := range migrate.SummarizeStatus(result.Status) {
		fmt.Fprintf(b.out, "Status: %v\n", count)
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if !verbose {
		return zap.NewNop(), nil
	}
	return zap.NewDevelopment()
}

func doMain() error {
	cfg, err := parseArgs(flag.Args())
	if err != nil {
		return err
	}
	log, err := newLogger(*verboseFlag)
	if err != nil {
		return fmt.Errorf("setting up logging: %v", err)
	}
	defer log.Sync()

	b := &bench{
		out:        os.Stdout,
		mem:        region.SystemMemory{},
		mover:      migrate.SystemMover{},
		log:        log,
		showStatus: *statusFlag,
	}
	return b.run(cfg)
}

func main() {
	flag.Usage = func() {
		fmt.Fprintln(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if err := doMain(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		if errors.Is(err, pab.ErrInvalidArgument) {
			fmt.Fprintln(os.Stderr, usage)
		}
		os.Exit(1)
	}
}
