// Command migrate applies, inspects or rolls back the Helios schema.
//
//	migrate [-config file] [-timeout 1m] up|status|down [version]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/helios/internal/app/migrate"
	"github.com/splax/helios/pkg/config"
	"github.com/splax/helios/pkg/logger"
)

func main() {
	timeout := flag.Duration("timeout", time.Minute, "command timeout")
	configFile := flag.String("config", os.Getenv("HELIOS_CONFIG_FILE"), "optional YAML config file")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] up|status|down [version]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	log := logger.New("helios-migrate", slog.LevelInfo)
	command, err := parseCommand(flag.Args())
	if err != nil {
		log.Error("invalid arguments", "error", err)
		flag.Usage()
		os.Exit(2)
	}
	if *configFile != "" {
		if err := config.LoadFile(*configFile); err != nil {
			log.Error("failed to load config file", "path", *configFile, "error", err)
			os.Exit(1)
		}
	}
	cfg := config.LoadAPIConfig()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := execute(ctx, cfg, log, command); err != nil {
		log.Error("migration command failed", "command", command.name, "error", err)
		os.Exit(1)
	}
	log.Info("migration command completed", "command", command.name)
}

type command struct {
	name   string
	target int64
}

func parseCommand(args []string) (command, error) {
	if len(args) == 0 {
		return command{name: "up"}, nil
	}
	cmd := command{name: args[0]}
	switch cmd.name {
	case "up", "status":
		if len(args) > 1 {
			return command{}, fmt.Errorf("%s takes no arguments", cmd.name)
		}
	case "down":
		if len(args) > 2 {
			return command{}, fmt.Errorf("down takes at most one version")
		}
		if len(args) == 2 {
			target, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil || target < 0 {
				return command{}, fmt.Errorf("invalid version %q", args[1])
			}
			cmd.target = target
		}
	default:
		return command{}, fmt.Errorf("unknown command %q", cmd.name)
	}
	return cmd, nil
}

func execute(ctx context.Context, cfg config.APIConfig, log *slog.Logger, cmd command) error {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		pool.Close()
		return err
	}
	defer runner.Close()

	switch cmd.name {
	case "status":
		return runner.Status(ctx)
	case "down":
		return runner.Down(ctx, cmd.target)
	default:
		return runner.Ensure(ctx)
	}
}
