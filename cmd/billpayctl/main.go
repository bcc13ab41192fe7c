package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/odyssey-erp/billpay/cmd/billpayctl/cli"
)

type ctlConfig struct {
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"127.0.0.1:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
}

const usage = `usage: billpayctl <command> [flags]

commands:
  trigger              enqueue a payment cycle
  ingest [-f file]     enqueue extraction results (JSON object or array; stdin by default)
  stats                show default queue counters
  scheduled [-n size]  list scheduled tasks
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "billpayctl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stdout, usage)
		return nil
	}
	_ = godotenv.Load()
	var cfg ctlConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return err
	}
	jobsCLI, err := cli.NewJobsCLI(asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		return err
	}
	defer jobsCLI.Close()

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")

	switch cmd, rest := args[0], args[1:]; cmd {
	case "trigger":
		info, err := jobsCLI.TriggerCycle(ctx)
		if err != nil {
			return err
		}
		return enc.Encode(map[string]string{"task_id": info.ID, "queue": info.Queue, "type": info.Type})
	case "ingest":
		fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
		file := fs.String("f", "", "results file (default stdin)")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		in := stdin
		if *file != "" {
			f, err := os.Open(*file)
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		infos, err := jobsCLI.Ingest(ctx, in)
		if err != nil {
			return err
		}
		ids := make([]string, 0, len(infos))
		for _, info := range infos {
			ids = append(ids, info.ID)
		}
		return enc.Encode(map[string]any{"enqueued": ids})
	case "stats":
		stats, err := jobsCLI.InspectQueue(ctx)
		if err != nil {
			return err
		}
		return enc.Encode(stats)
	case "scheduled":
		fs := flag.NewFlagSet("scheduled", flag.ContinueOnError)
		size := fs.Int("n", 10, "page size")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		tasks, err := jobsCLI.ListScheduled(ctx, *size)
		if err != nil {
			return err
		}
		out := make([]map[string]any, 0, len(tasks))
		for _, t := range tasks {
			out = append(out, map[string]any{"id": t.ID, "type": t.Type, "next_process_at": t.NextProcessAt})
		}
		return enc.Encode(out)
	default:
		fmt.Fprint(stdout, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}
