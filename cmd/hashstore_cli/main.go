package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/sushant-115/hashstore/config"
	"github.com/sushant-115/hashstore/core/indexmanager"
	"github.com/sushant-115/hashstore/pkg/logger"
	"github.com/sushant-115/hashstore/pkg/telemetry"
	"go.uber.org/zap"
)

const historyFile = "/tmp/hashstore_cli.history"

// shell runs one command line at a time against an index.
type shell struct {
	index indexmanager.IndexManager
	out   io.Writer
}

// exec handles a single command. It returns false when the shell should exit.
func (s *shell) exec(ctx context.Context, args []string) bool {
	if len(args) == 0 {
		return true
	}

	switch strings.ToLower(args[0]) {
	case "put":
		if len(args) < 3 {
			fmt.Fprintln(s.out, "Error: put requires a key and a value.")
			return true
		}
		s.report(s.index.Put(ctx, args[1], strings.Join(args[2:], " ")), "OK")
	case "get":
		if len(args) != 2 {
			fmt.Fprintln(s.out, "Error: get requires a key.")
			return true
		}
		values, err := s.index.Get(ctx, args[1])
		if err != nil {
			s.report(err, "")
			return true
		}
		if len(values) == 0 {
			fmt.Fprintln(s.out, "(not found)")
			return true
		}
		for i, v := range values {
			fmt.Fprintf(s.out, "%d) %s\n", i+1, v)
		}
	case "delete", "del":
		switch {
		case len(args) == 2:
			n, err := s.index.DeleteKey(ctx, args[1])
			s.report(err, fmt.Sprintf("OK (%d removed)", n))
		case len(args) >= 3:
			s.report(s.index.Delete(ctx, args[1], strings.Join(args[2:], " ")), "OK")
		default:
			fmt.Fprintln(s.out, "Error: delete requires a key and an optional value.")
		}
	case "stats":
		stats, err := s.index.Stats(ctx)
		if err != nil {
			s.report(err, "")
			return true
		}
		fmt.Fprintf(s.out, "index:           %s\n", stats.Name)
		fmt.Fprintf(s.out, "directory page:  %d\n", stats.DirectoryPageID)
		fmt.Fprintf(s.out, "global depth:    %d\n", stats.GlobalDepth)
		fmt.Fprintf(s.out, "buckets:         %d (capacity %d)\n", stats.NumBuckets, stats.BucketCapacity)
		fmt.Fprintf(s.out, "frames:          %d total, %d resident, %d pinned, %d free, %d evictable\n",
			stats.Pool.PoolSize, stats.Pool.Resident, stats.Pool.Pinned, stats.Pool.Free, stats.Pool.Evictable)
	case "verify":
		s.report(s.index.Verify(ctx), "OK")
	case "flush":
		s.report(s.index.Flush(ctx), "OK")
	case "backup":
		if len(args) < 2 || len(args) > 3 {
			fmt.Fprintln(s.out, "Error: backup requires a path and an optional bytes-per-second limit.")
			return true
		}
		var limit int64
		if len(args) == 3 {
			n, err := strconv.ParseInt(args[2], 10, 64)
			if err != nil {
				fmt.Fprintf(s.out, "Error: bad rate %q\n", args[2])
				return true
			}
			limit = n
		}
		info, err := s.index.Backup(ctx, args[1], limit)
		s.report(err, fmt.Sprintf("OK (%d bytes, sha256 %x)", info.Bytes, info.SHA256))
	case "help":
		fmt.Fprintln(s.out, "Commands:")
		fmt.Fprintln(s.out, "  put <key> <value>")
		fmt.Fprintln(s.out, "  get <key>")
		fmt.Fprintln(s.out, "  delete <key> [value]")
		fmt.Fprintln(s.out, "  stats")
		fmt.Fprintln(s.out, "  verify")
		fmt.Fprintln(s.out, "  flush")
		fmt.Fprintln(s.out, "  backup <path> [bytes_per_sec]")
		fmt.Fprintln(s.out, "  help")
		fmt.Fprintln(s.out, "  exit / quit")
	case "exit", "quit":
		return false
	default:
		fmt.Fprintln(s.out, "Error: Unknown command. Type 'help' for a list of commands.")
	}
	return true
}

func (s *shell) report(err error, ok string) {
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintln(s.out, ok)
}

var completer = readline.NewPrefixCompleter(
	readline.PcItem("put"),
	readline.PcItem("get"),
	readline.PcItem("delete"),
	readline.PcItem("stats"),
	readline.PcItem("verify"),
	readline.PcItem("flush"),
	readline.PcItem("backup"),
	readline.PcItem("help"),
	readline.PcItem("exit"),
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	dbFile := flag.String("db", "", "page file, overrides storage.db_file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	if *dbFile != "" {
		cfg.Storage.DBFile = *dbFile
	}

	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zlogger.Sync()

	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		zlogger.Fatal("Failed to start telemetry", zap.Error(err))
	}
	defer shutdown(context.Background())

	if cfg.Storage.DBFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.DBFile), 0755); err != nil {
			zlogger.Fatal("Failed to create data directory", zap.Error(err))
		}
	}
	index, err := indexmanager.NewHashIndexManager(cfg.Storage, tel, zlogger)
	if err != nil {
		zlogger.Fatal("Failed to open index", zap.Error(err))
	}
	defer func() {
		if err := index.Close(); err != nil {
			zlogger.Error("Failed to close index", zap.Error(err))
		}
	}()

	ctx := context.Background()
	sh := &shell{index: index, out: os.Stdout}

	// One-shot mode.
	if args := flag.Args(); len(args) > 0 {
		sh.exec(ctx, args)
		return
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "hashstore> ",
		HistoryFile:     historyFile,
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		zlogger.Fatal("Failed to start line editor", zap.Error(err))
	}
	defer rl.Close()
	sh.out = rl.Stdout()

	fmt.Fprintln(sh.out, "hashstore CLI. Type 'help' for commands, 'exit' or 'quit' to leave.")
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return
			}
			continue
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			zlogger.Error("Failed to read input", zap.Error(err))
			return
		}
		if !sh.exec(ctx, strings.Fields(line)) {
			return
		}
	}
}
