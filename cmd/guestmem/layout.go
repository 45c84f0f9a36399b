package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
	"github.com/google/subcommands"

	"github.com/e2b-dev/infra/packages/guestmem/internal/cfg"
	"github.com/e2b-dev/infra/packages/guestmem/internal/hostarch"
	"github.com/e2b-dev/infra/packages/guestmem/internal/hypervisor/memory"
)

// vmLayout is the guest-physical memory layout of a VM as read from a TOML file:
//
//	[[ram]]
//	name = "low"
//	address = 0x0
//	size = "64MiB"
//	snapshot = "/path/to/memfile"
//
//	[[interrupt_controller]]
//	address = 0xfee00000
//	size = "4KiB"
type vmLayout struct {
	RAM                  []ramRegion    `toml:"ram"`
	InterruptControllers []deviceRegion `toml:"interrupt_controller"`
}

type ramRegion struct {
	Name     string `toml:"name"`
	Address  uint64 `toml:"address"`
	Size     string `toml:"size"`
	Snapshot string `toml:"snapshot"`
	ReadOnly bool   `toml:"read_only"`
}

type deviceRegion struct {
	Address uint64 `toml:"address"`
	Size    string `toml:"size"`
}

func parseSize(v string) (uint64, error) {
	if v == "" {
		return 0, errors.New("missing size")
	}

	n, err := cfg.ParseByteSize(v)
	if err != nil {
		return 0, err
	}

	return uint64(n.(cfg.ByteSize)), nil
}

func loadLayout(path string) (vmLayout, error) {
	var l vmLayout

	md, err := toml.DecodeFile(path, &l)
	if err != nil {
		return vmLayout{}, fmt.Errorf("failed to read layout %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}

		return vmLayout{}, fmt.Errorf("unknown keys in layout %s: %s", path, strings.Join(keys, ", "))
	}

	return l, nil
}

// defaultLayout is one RAM region at 0 and one interrupt controller page, as configured.
func defaultLayout(config cfg.Config) vmLayout {
	return vmLayout{
		RAM: []ramRegion{{
			Name: "ram",
			Size: strconv.FormatUint(uint64(config.GuestRAMSize), 10),
		}},
		InterruptControllers: []deviceRegion{{
			Address: uint64(config.InterruptControllerAddr),
			Size:    strconv.FormatUint(hostarch.PageSize, 10),
		}},
	}
}

// apply builds the layout in the machine. Snapshot files are opened and
// appended to files so the caller can close them after the machine.
func (l vmLayout) apply(ctx context.Context, mc *machine) ([]*os.File, error) {
	var files []*os.File

	for i, r := range l.RAM {
		size, err := parseSize(r.Size)
		if err != nil {
			return files, fmt.Errorf("ram[%d]: %w", i, err)
		}

		name := r.Name
		if name == "" {
			name = fmt.Sprintf("ram%d", i)
		}

		var src io.ReaderAt
		if r.Snapshot != "" {
			f, err := os.Open(r.Snapshot)
			if err != nil {
				return files, fmt.Errorf("ram[%d]: %w", i, err)
			}

			files = append(files, f)
			src = f
		}

		at := hostarch.ReadWrite
		if r.ReadOnly {
			at = hostarch.Read
		}

		if _, err := mc.addRAM(ctx, name, hostarch.Addr(r.Address), size, at, src); err != nil {
			return files, fmt.Errorf("ram[%d] %q: %w", i, name, err)
		}
	}

	for i, d := range l.InterruptControllers {
		size, err := parseSize(d.Size)
		if err != nil {
			return files, fmt.Errorf("interrupt_controller[%d]: %w", i, err)
		}

		if err := mc.addInterruptController(ctx, hostarch.Addr(d.Address), size); err != nil {
			return files, fmt.Errorf("interrupt_controller[%d]: %w", i, err)
		}
	}

	return files, nil
}

func printMappings(w io.Writer, ms []memory.Mapping) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintln(tw, "START\tEND\tSIZE\tACCESS\tBACKING")

	for _, m := range ms {
		backing := fmt.Sprintf("host %s", m.HostPhysical)
		if m.Object != "" {
			backing = fmt.Sprintf("%s+%#x", m.Object, m.ObjectOffset)
		}

		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", m.Range.Start, m.Range.End, humanize.IBytes(m.Range.Length()), m.AccessType, backing)
	}

	return tw.Flush()
}

type layoutCmd struct {
	config   string
	prefault bool
}

func (*layoutCmd) Name() string {
	return "layout"
}

func (*layoutCmd) Synopsis() string {
	return "builds a guest memory layout and prints its mappings"
}

func (*layoutCmd) Usage() string {
	return "layout [-config vm.toml] [-prefault]\n"
}

func (c *layoutCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.config, "config", "", "TOML file describing the guest memory layout; the environment configuration is used when empty")
	f.BoolVar(&c.prefault, "prefault", false, "populate all RAM before printing")
}

func (c *layoutCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	config, l, err := setup(ctx)
	if err != nil {
		return fatalf("%v", err)
	}
	defer func() { _ = l.Sync() }()

	layout := defaultLayout(config)
	if c.config != "" {
		layout, err = loadLayout(c.config)
		if err != nil {
			return fatalf("%v", err)
		}
	}

	mc, err := newMachine(ctx, config, l)
	if err != nil {
		return fatalf("failed to create machine: %v", err)
	}

	files, err := layout.apply(ctx, mc)
	defer func() {
		closeErr := mc.Close(ctx)
		for _, f := range files {
			closeErr = errors.Join(closeErr, f.Close())
		}

		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to release machine: %v\n", closeErr)
		}
	}()

	if err != nil {
		return fatalf("failed to build layout: %v", err)
	}

	if c.prefault {
		for _, r := range layout.RAM {
			size, _ := parseSize(r.Size)
			if err := mc.space.Prefault(ctx, hostarch.Addr(r.Address), size); err != nil {
				return fatalf("failed to prefault %s: %v", r.Name, err)
			}
		}
	}

	if err := printMappings(os.Stdout, mc.space.Mappings()); err != nil {
		return fatalf("%v", err)
	}

	fmt.Printf("\nguest %s: %d pages mapped, %s of host memory free\n",
		mc.space.ID(), mc.space.MappedPages(), humanize.IBytes(mc.arena.Free()*hostarch.PageSize))

	return subcommands.ExitSuccess
}
