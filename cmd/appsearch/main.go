package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/syntrixbase/appsearch/internal/config"
	"github.com/syntrixbase/appsearch/internal/core/pubsub"
	"github.com/syntrixbase/appsearch/internal/core/pubsub/nats"
	"github.com/syntrixbase/appsearch/internal/localstorage"
	"github.com/syntrixbase/appsearch/internal/logging"
)

const usage = `usage: appsearch [flags] <command>

commands:
  info        storage info of a database
  schema      schema of a database
  namespaces  namespaces holding live documents
  flush       persist pending writes
  optimize    compact the store if needed
  watch       print change feed events until interrupted

flags:
`

// options are the parsed command line.
type options struct {
	command   string
	configDir string
	pkg       string
	db        string
	timeout   time.Duration
}

func parseArgs(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("appsearch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	fs.StringVar(&opts.configDir, "config", config.DefaultConfigDir, "configuration directory")
	fs.StringVar(&opts.pkg, "package", "", "package name owning the database")
	fs.StringVar(&opts.db, "database", "", "database name")
	fs.DurationVar(&opts.timeout, "timeout", 30*time.Second, "timeout of a single command")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}

	if fs.NArg() != 1 {
		fs.Usage()
		return opts, errors.New("exactly one command is required")
	}
	opts.command = fs.Arg(0)
	switch opts.command {
	case "info", "schema", "namespaces", "flush":
		if opts.pkg == "" {
			return opts, fmt.Errorf("%s requires -package", opts.command)
		}
	case "optimize", "watch":
	default:
		fs.Usage()
		return opts, fmt.Errorf("unknown command %q", opts.command)
	}
	return opts, nil
}

func main() {
	opts, err := parseArgs(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Fatalf("appsearch: %v", err)
	}

	cfg, err := config.LoadConfig(opts.configDir)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := logging.Initialize(cfg.Logging); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logging.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if opts.command == "watch" {
		err = watch(ctx, cfg.Observer, opts, os.Stdout)
	} else {
		err = runCommand(ctx, cfg, opts, os.Stdout)
	}
	if err != nil {
		slog.Error("Command failed", "command", opts.command, "error", err)
		logging.Shutdown()
		os.Exit(1)
	}
}

// runCommand opens the store, runs one command against it and prints the
// result as JSON.
func runCommand(ctx context.Context, cfg *config.Config, opts options, out io.Writer) (err error) {
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	ls, err := localstorage.Open(ctx, localstorage.Options{Config: cfg})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if cerr := ls.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if opts.command == "optimize" {
		if err := ls.CheckForOptimize(ctx); err != nil {
			return err
		}
		return writeJSON(out, map[string]string{"status": "ok"})
	}

	s, err := ls.CreateSearchSession(opts.pkg, opts.db)
	if err != nil {
		return err
	}

	var result interface{}
	switch opts.command {
	case "info":
		result, err = s.GetStorageInfo().Get(ctx)
	case "schema":
		result, err = s.GetSchema().Get(ctx)
	case "namespaces":
		result, err = s.GetNamespaces().Get(ctx)
	case "flush":
		if _, err = s.Flush().Get(ctx); err == nil {
			result = map[string]string{"status": "ok"}
		}
	}
	if err != nil {
		return err
	}
	return writeJSON(out, result)
}

// feedConsumer opens the broker consumer used by watch. Swapped in tests.
var feedConsumer = func(ctx context.Context, cfg config.ObserverConfig, consumerOpts pubsub.ConsumerOptions) (pubsub.Consumer, io.Closer, error) {
	provider := nats.NewProvider(cfg.NatsURL, cfg.ClientName+"-watch", slog.Default())
	if err := provider.Connect(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", cfg.NatsURL, err)
	}
	consumer, err := provider.NewConsumer(consumerOpts)
	if err != nil {
		provider.Close()
		return nil, nil, err
	}
	return consumer, provider, nil
}

// feedEvent is one printed change feed message.
type feedEvent struct {
	Subject string          `json:"subject"`
	Change  json.RawMessage `json:"change"`
}

// watch prints the change feed events of the selected package and database
// published after it started, until ctx is cancelled.
func watch(ctx context.Context, cfg config.ObserverConfig, opts options, out io.Writer) error {
	prefix := watchPrefix(cfg.SubjectPrefix, opts.pkg, opts.db)

	consumerOpts := pubsub.DefaultConsumerOptions()
	consumerOpts.StreamName = cfg.StreamName
	consumerOpts.FilterSubject = prefix + ">"
	consumerOpts.DeliverNew = true

	consumer, closer, err := feedConsumer(ctx, cfg, consumerOpts)
	if err != nil {
		return err
	}
	defer closer.Close()

	msgs, err := consumer.Subscribe(ctx)
	if err != nil {
		return err
	}

	for msg := range msgs {
		if err := writeJSON(out, feedEvent{Subject: msg.Subject(), Change: json.RawMessage(msg.Data())}); err != nil {
			msg.Nak()
			return err
		}
		msg.Ack()
	}
	return nil
}

// watchPrefix is the subject prefix of the selected package and database.
// An empty package selects every event.
func watchPrefix(subjectPrefix, pkg, db string) string {
	prefix := subjectPrefix + "."
	if pkg == "" {
		return prefix
	}
	prefix += pubsub.SubjectToken(pkg) + "."
	if db != "" {
		prefix += pubsub.SubjectToken(db) + "."
	}
	return prefix
}

func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
