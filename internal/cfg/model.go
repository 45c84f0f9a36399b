package cfg

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"

	"github.com/caarlos0/env/v11"
	"github.com/dustin/go-humanize"

	"github.com/e2b-dev/infra/packages/guestmem/internal/hostarch"
)

// ByteSize is a size in bytes that parses human readable values such as "256MiB".
type ByteSize uint64

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

type Config struct {
	HostMemorySize          ByteSize      `env:"HOST_MEMORY_SIZE"          envDefault:"256MiB"`
	GuestPhysicalSize       ByteSize      `env:"GUEST_PHYSICAL_SIZE"       envDefault:"4GiB"`
	GuestRAMSize            ByteSize      `env:"GUEST_RAM_SIZE"            envDefault:"128MiB"`
	InterruptControllerAddr hostarch.Addr `env:"INTERRUPT_CONTROLLER_ADDR" envDefault:"0xfee00000"`
	TranslationCacheSize    int           `env:"TRANSLATION_CACHE_SIZE"    envDefault:"64"`
	LogDebug                bool          `env:"LOG_DEBUG"`
	TraceFaults             bool          `env:"TRACE_FAULTS"`
}

func Parse() (Config, error) {
	config, err := env.ParseAsWithOptions[Config](env.Options{
		FuncMap: map[reflect.Type]env.ParserFunc{
			reflect.TypeOf(ByteSize(0)):      ParseByteSize,
			reflect.TypeOf(hostarch.Addr(0)): ParseAddr,
		},
	})
	if err != nil {
		return Config{}, err
	}

	if err := config.Validate(); err != nil {
		return Config{}, err
	}

	return config, nil
}

func ParseByteSize(v string) (any, error) {
	n, err := humanize.ParseBytes(v)
	if err != nil {
		return nil, fmt.Errorf("invalid byte size %q: %w", v, err)
	}

	return ByteSize(n), nil
}

// ParseAddr parses an address literal. Base prefixes such as 0x are honoured.
func ParseAddr(v string) (any, error) {
	n, err := strconv.ParseUint(v, 0, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", v, err)
	}

	return hostarch.Addr(n), nil
}

// Validate checks that the guest layout described by the config fits together.
func (c Config) Validate() error {
	var errs []error

	for name, size := range map[string]ByteSize{
		"HOST_MEMORY_SIZE":    c.HostMemorySize,
		"GUEST_PHYSICAL_SIZE": c.GuestPhysicalSize,
		"GUEST_RAM_SIZE":      c.GuestRAMSize,
	} {
		if size == 0 || !hostarch.IsPageAligned(uint64(size)) {
			errs = append(errs, fmt.Errorf("%s must be a non-zero multiple of %d bytes, got %d", name, hostarch.PageSize, size))
		}
	}

	if c.GuestRAMSize > c.GuestPhysicalSize {
		errs = append(errs, fmt.Errorf("guest RAM %s does not fit in guest physical memory %s", c.GuestRAMSize, c.GuestPhysicalSize))
	}

	switch {
	case !c.InterruptControllerAddr.IsPageAligned():
		errs = append(errs, fmt.Errorf("interrupt controller address %s is not page aligned", c.InterruptControllerAddr))
	case uint64(c.InterruptControllerAddr) < uint64(c.GuestRAMSize):
		errs = append(errs, fmt.Errorf("interrupt controller address %s overlaps guest RAM", c.InterruptControllerAddr))
	case uint64(c.InterruptControllerAddr)+hostarch.PageSize > uint64(c.GuestPhysicalSize):
		errs = append(errs, fmt.Errorf("interrupt controller address %s is outside guest physical memory", c.InterruptControllerAddr))
	}

	if c.TranslationCacheSize <= 0 {
		errs = append(errs, fmt.Errorf("TRANSLATION_CACHE_SIZE must be positive, got %d", c.TranslationCacheSize))
	}

	return errors.Join(errs...)
}
