package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"video-download-service/internal/config"
	"video-download-service/internal/logging"
	"video-download-service/internal/queue"
	"video-download-service/internal/store"
)

type commandFn func(ctx *commandContext, args []string) error

type command struct {
	name        string
	description string
	run         commandFn
}

type commandContext struct {
	Ctx    context.Context
	Logger zerolog.Logger
	Config config.Config
}

const commandTimeout = 2 * time.Minute

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	name := os.Args[1]
	cmd, ok := commands()[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", name)
		printUsage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logger := logging.New(cfg, "admin")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	if err := cmd.run(&commandContext{Ctx: ctx, Logger: logger, Config: cfg}, os.Args[2:]); err != nil {
		logger.Error().Err(err).Str("command", name).Msg("command failed")
		os.Exit(1)
	}
}

func commands() map[string]command {
	return map[string]command{
		"create_db": {
			name:        "create_db",
			description: "Drop every table and recreate the schema",
			run:         runCreateDB,
		},
		"migrate": {
			name:        "migrate",
			description: "Apply database migrations without dropping data",
			run:         runMigrate,
		},
		"dlq": {
			name:        "dlq",
			description: "List dead-lettered download jobs",
			run:         runDLQ,
		},
		"cancel": {
			name:        "cancel",
			description: "Cancel a pending download job by key",
			run:         runCancel,
		},
	}
}

func printUsage() {
	fmt.Fprintf(os.Stdout, "Usage: admin <command> [flags]\n\nAvailable commands:\n")
	names := make([]string, 0, len(commands()))
	for n := range commands() {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(os.Stdout, "  %-12s %s\n", n, commands()[n].description)
	}
}

func openStore(c *commandContext) (*store.Store, error) {
	st, err := store.New(c.Ctx, c.Config.PostgresDSN, c.Logger)
	if err != nil {
		return nil, err
	}
	if err := st.Ping(c.Ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

func runCreateDB(c *commandContext, args []string) error {
	fs := flag.NewFlagSet("create_db", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	st, err := openStore(c)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Reset(c.Ctx); err != nil {
		return err
	}
	c.Logger.Info().Msg("database recreated")
	return nil
}

func runMigrate(c *commandContext, args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	st, err := openStore(c)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.RunMigrations(c.Ctx); err != nil {
		return err
	}
	c.Logger.Info().Msg("migrations applied")
	return nil
}

func runDLQ(c *commandContext, args []string) error {
	fs := flag.NewFlagSet("dlq", flag.ContinueOnError)
	limit := fs.Int64("n", 50, "maximum number of entries to list")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("-n must be positive")
	}

	st, err := openStore(c)
	if err != nil {
		return err
	}
	defer st.Close()

	rc := queue.NewRedisClient(c.Config)
	defer rc.Close()
	q := queue.NewRedisQueue(rc, c.Config)

	keys, err := q.DLQPeek(c.Ctx, *limit)
	if err != nil {
		return fmt.Errorf("read dlq: %w", err)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB KEY\tSTATUS\tATTEMPTS\tSOURCE\tLAST ERROR")
	for _, key := range keys {
		job, err := st.GetJob(c.Ctx, key)
		if err != nil {
			fmt.Fprintf(tw, "%s\t-\t-\t-\t%v\n", key, err)
			continue
		}
		source, _ := job.Payload["source_url"].(string)
		lastErr := ""
		if job.LastError != nil {
			lastErr = *job.LastError
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", job.ID, job.Status, job.Attempts, source, lastErr)
	}
	return tw.Flush()
}

func runCancel(c *commandContext, args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: admin cancel <job-key>")
	}
	key := fs.Arg(0)

	st, err := openStore(c)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.MarkCancelled(c.Ctx, key); err != nil {
		return err
	}
	rc := queue.NewRedisClient(c.Config)
	defer rc.Close()
	if err := queue.NewRedisQueue(rc, c.Config).Cancel(c.Ctx, key); err != nil {
		return fmt.Errorf("remove %s from queue: %w", key, err)
	}
	_ = st.AppendAudit(c.Ctx, key, "cancelled", "cancelled via admin")
	c.Logger.Info().Str("job_key", key).Msg("job cancelled")
	return nil
}
