package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/subcommands"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/e2b-dev/infra/packages/guestmem/internal/hostarch"
	"github.com/e2b-dev/infra/packages/guestmem/internal/hypervisor/trace"
	"github.com/e2b-dev/infra/packages/guestmem/internal/logger"
)

type faultCmd struct {
	pages    uint64
	workers  int
	ptrPages uint64
}

func (*faultCmd) Name() string {
	return "fault"
}

func (*faultCmd) Synopsis() string {
	return "faults guest RAM in concurrently and checks it through guest pointers"
}

func (*faultCmd) Usage() string {
	return "fault [-pages N] [-workers W] [-ptr-pages P]\n"
}

func (c *faultCmd) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&c.pages, "pages", 1024, "number of guest pages to fault")
	f.IntVar(&c.workers, "workers", 8, "number of concurrent faulting goroutines")
	f.Uint64Var(&c.ptrPages, "ptr-pages", 16, "number of pages checked through a guest pointer")
}

func (c *faultCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if c.pages == 0 || c.workers <= 0 {
		return fatalf("pages and workers must be positive")
	}

	config, l, err := setup(ctx)
	if err != nil {
		return fatalf("%v", err)
	}
	defer func() { _ = l.Sync() }()

	if c.pages > hostarch.PageIdx(uint64(config.GuestRAMSize)) {
		return fatalf("%d pages do not fit in %s of guest RAM", c.pages, config.GuestRAMSize)
	}

	mc, err := newMachine(ctx, config, l)
	if err != nil {
		return fatalf("failed to create machine: %v", err)
	}

	defer func() {
		if err := mc.Close(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "failed to release machine: %v\n", err)
		}
	}()

	ctx = logger.WithGuestID(ctx, mc.space.ID())

	if err := c.run(ctx, mc, uint64(config.GuestRAMSize)); err != nil {
		return fatalf("%v", err)
	}

	return subcommands.ExitSuccess
}

func (c *faultCmd) run(ctx context.Context, mc *machine, ramSize uint64) error {
	obj, err := mc.addRAM(ctx, "ram", 0, ramSize, hostarch.ReadWrite, nil)
	if err != nil {
		return err
	}

	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)

	for i := range c.pages {
		gpa := hostarch.Addr(hostarch.PageOffset(i))
		vcpuCtx := logger.WithVCPU(gctx, int(i%uint64(c.workers)))

		g.Go(func() error {
			return mc.space.PageFault(vcpuCtx, gpa)
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("fault failed: %w", err)
	}

	elapsed := time.Since(start)

	mc.logger.Info(ctx, "faulted guest RAM",
		zap.Uint64("pages", c.pages),
		zap.Int("workers", c.workers),
		zap.Duration("elapsed", elapsed),
	)

	// The second pass hits for every page that still fits in the cache.
	for range 2 {
		for i := range c.pages {
			if _, _, err := mc.translate(hostarch.PageOffset(i) + 0x10); err != nil {
				return err
			}
		}
	}

	if err := c.checkGuestPtr(ctx, mc); err != nil {
		return err
	}

	committed := obj.Committed()

	reclaimed, err := obj.Reclaim(ctx, 0, ramSize)
	if err != nil {
		return fmt.Errorf("reclaim failed: %w", err)
	}

	stats := mc.cache.Stats()
	rate := float64(c.pages) / elapsed.Seconds()

	fmt.Printf("faulted %s pages in %s (%s faults/s, %d workers)\n",
		humanize.Comma(int64(c.pages)), elapsed.Round(time.Microsecond), humanize.CommafWithDigits(rate, 0), c.workers)
	fmt.Printf("committed %s, reclaimed %s, %s of host memory free\n",
		humanize.IBytes(committed*hostarch.PageSize), humanize.IBytes(uint64(reclaimed)*hostarch.PageSize), humanize.IBytes(mc.arena.Free()*hostarch.PageSize))
	fmt.Printf("translation cache: %d entries, %d hits, %d misses, %d invalidations\n",
		mc.cache.Capacity(), stats.Hits, stats.Misses, stats.Invalidations)

	printTrace(mc)

	return nil
}

// checkGuestPtr writes a pattern through a guest pointer and reads it back
// through the host pages the guest sees.
func (c *faultCmd) checkGuestPtr(ctx context.Context, mc *machine) error {
	length := min(c.pages, c.ptrPages) * hostarch.PageSize
	if length == 0 {
		return nil
	}

	ptr, err := mc.space.CreateGuestPtr(ctx, 0, length, "fault-check")
	if err != nil {
		return fmt.Errorf("failed to create guest pointer: %w", err)
	}
	defer func() { _ = ptr.Reset() }()

	b := ptr.Bytes()
	for i := range b {
		b[i] = byte(i / int(hostarch.PageSize))
	}

	for gpa := hostarch.Addr(0); gpa < hostarch.Addr(length); gpa += hostarch.PageSize {
		hpa, _, err := mc.translate(uint64(gpa))
		if err != nil {
			return err
		}

		host, err := mc.direct.Slice(hostarch.Addr(hpa), 1)
		if err != nil {
			return err
		}

		if want := byte(hostarch.PageIdx(uint64(gpa))); host[0] != want {
			return fmt.Errorf("guest page %s reads %#x through the host, want %#x", gpa, host[0], want)
		}
	}

	return ptr.Reset()
}

func printTrace(mc *machine) {
	events := mc.space.FaultTrace()
	if len(events) == 0 {
		return
	}

	counts := map[string]int{}
	for _, ev := range events {
		counts[trace.TypeName(ev.Type)]++
	}

	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}

	sort.Strings(names)

	fmt.Printf("trace: %d events\n", len(events))

	for _, name := range names {
		fmt.Printf("  %-8s %d\n", name, counts[name])
	}
}
