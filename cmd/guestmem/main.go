package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/e2b-dev/infra/packages/guestmem/internal/cfg"
	"github.com/e2b-dev/infra/packages/guestmem/internal/logger"
)

const serviceName = "guestmem"

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&layoutCmd{}, "")
	subcommands.Register(&faultCmd{}, "")

	flag.Parse()

	os.Exit(int(subcommands.Execute(context.Background())))
}

// setup reads the environment configuration and builds the logger every command uses.
func setup(ctx context.Context) (cfg.Config, logger.Logger, error) {
	config, err := cfg.Parse()
	if err != nil {
		return cfg.Config{}, nil, fmt.Errorf("failed to parse config: %w", err)
	}

	l, err := logger.NewLogger(ctx, logger.LoggerConfig{
		ServiceName: serviceName,
		IsDebug:     config.LogDebug,
	})
	if err != nil {
		return cfg.Config{}, nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return config, l, nil
}

func fatalf(format string, args ...any) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, format+"\n", args...)

	return subcommands.ExitFailure
}
