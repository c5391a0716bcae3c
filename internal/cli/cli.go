// ============================================================================
// mqueue-journal CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Operator commands built on Cobra
//
// Command Structure:
//   mqjournal                      # Root command
//   ├── bench                      # Drive the engine with concurrent producers
//   │   ├── --producers, -p
//   │   └── --messages, -n
//   ├── dump [journal]             # Print every record of a journal file
//   ├── status                     # Config, journal and snapshot summary
//   ├── archive <src> <dst>        # zstd-compress (or --restore) a journal
//   ├── --config, -c               # Config file (default configs/default.yaml)
//   └── --verbose, -v              # Development logging
//
// Configuration:
//   YAML, see configs/default.yaml. Missing keys keep their defaults.
//
// bench:
//   1. Load config, open the engine (recovering any existing journal)
//   2. Start the Prometheus endpoint if metrics.enabled
//   3. Run the load generator until done or SIGINT/SIGTERM
//   4. Close the engine (final checkpoint) and print throughput
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/mqueue-journal/internal/engine"
	"github.com/ChuLiYu/mqueue-journal/internal/journal"
	"github.com/ChuLiYu/mqueue-journal/internal/loadgen"
	"github.com/ChuLiYu/mqueue-journal/internal/metrics"
	"github.com/ChuLiYu/mqueue-journal/internal/snapshot"
	"github.com/ChuLiYu/mqueue-journal/internal/storage/block"
)

// Config represents the complete configuration file.
type Config struct {
	Journal struct {
		Dir                   string `yaml:"dir"`
		BlockSize             int    `yaml:"block_size"`
		RingCapacity          int    `yaml:"ring_capacity"`
		SyncMode              string `yaml:"sync_mode"`
		TolerateTruncatedTail bool   `yaml:"tolerate_truncated_tail"`
	} `yaml:"journal"`

	Checkpoint struct {
		Interval time.Duration `yaml:"interval"`
		Backups  int           `yaml:"backups"`
	} `yaml:"checkpoint"`

	Bench struct {
		Producers int  `yaml:"producers"`
		Messages  int  `yaml:"messages"`
		MinSize   int  `yaml:"min_size"`
		MaxSize   int  `yaml:"max_size"`
		Sync      bool `yaml:"sync"`
		AckEvery  int  `yaml:"ack_every"`
	} `yaml:"bench"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

func defaultConfig() *Config {
	var cfg Config
	cfg.Journal.Dir = "./data"
	cfg.Journal.BlockSize = engine.DefaultBlockSize
	cfg.Journal.RingCapacity = journal.DefaultCapacity
	cfg.Journal.SyncMode = "batch"
	cfg.Checkpoint.Interval = 5 * time.Second
	cfg.Bench.Producers = 4
	cfg.Bench.Messages = 10000
	cfg.Bench.MinSize = 64
	cfg.Bench.MaxSize = 1024
	cfg.Metrics.Port = 9090
	return &cfg
}

// JournalPath returns the journal file inside the configured directory.
func (c *Config) JournalPath() string {
	return filepath.Join(c.Journal.Dir, engine.JournalFile)
}

// SnapshotPath returns the index snapshot inside the configured directory.
func (c *Config) SnapshotPath() string {
	return filepath.Join(c.Journal.Dir, engine.SnapshotFile)
}

// EngineConfig converts the file configuration.
func (c *Config) EngineConfig(log *zap.Logger, rec journal.Recorder) (engine.Config, error) {
	mode, err := journal.ParseSyncMode(c.Journal.SyncMode)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Dir:                   c.Journal.Dir,
		BlockSize:             c.Journal.BlockSize,
		RingCapacity:          c.Journal.RingCapacity,
		SyncMode:              mode,
		TolerateTruncatedTail: c.Journal.TolerateTruncatedTail,
		CheckpointInterval:    c.Checkpoint.Interval,
		SnapshotBackups:       c.Checkpoint.Backups,
		Logger:                log,
		Recorder:              rec,
	}, nil
}

var (
	configFile string
	verbose    bool
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mqjournal",
		Short: "mqjournal: a crash-recoverable message journal",
		Long: `mqjournal is the durability engine of a message queue:
- disruptor ring in front of a single journal writer
- block-aligned, checksummed records
- checkpoint + index snapshot recovery
- Prometheus metrics`,
		Version:      "1.0.0",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "development logging")

	rootCmd.AddCommand(buildBenchCommand())
	rootCmd.AddCommand(buildDumpCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildArchiveCommand())

	return rootCmd
}

func newLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// ============================================================================
// bench
// ============================================================================

func buildBenchCommand() *cobra.Command {
	var producers, messages int

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run concurrent producers against the engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cmd.Flags().Changed("producers") {
				cfg.Bench.Producers = producers
			}
			if cmd.Flags().Changed("messages") {
				cfg.Bench.Messages = messages
			}
			log, err := newLogger()
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runBench(ctx, cmd.OutOrStdout(), cfg, log)
		},
	}

	cmd.Flags().IntVarP(&producers, "producers", "p", 0, "override bench.producers")
	cmd.Flags().IntVarP(&messages, "messages", "n", 0, "override bench.messages (per producer)")
	return cmd
}

func runBench(ctx context.Context, out io.Writer, cfg *Config, log *zap.Logger) error {
	var rec journal.Recorder
	if cfg.Metrics.Enabled {
		collector := metrics.NewCollector(nil)
		rec = collector
		go func() {
			log.Info("metrics server starting", zap.Int("port", cfg.Metrics.Port))
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				log.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	ecfg, err := cfg.EngineConfig(log, rec)
	if err != nil {
		return err
	}
	e, err := engine.Open(ecfg)
	if err != nil {
		return fmt.Errorf("failed to open engine: %w", err)
	}
	recovered := e.Stats()

	// continue ids after whatever the journal already holds
	var base uint64
	if ids := e.IDs(); len(ids) > 0 {
		base = ids[len(ids)-1] + 1
	}

	res, runErr := loadgen.Run(ctx, e, loadgen.Config{
		Producers: cfg.Bench.Producers,
		Messages:  cfg.Bench.Messages,
		MinSize:   cfg.Bench.MinSize,
		MaxSize:   cfg.Bench.MaxSize,
		BaseID:    base,
		Sync:      cfg.Bench.Sync,
		AckEvery:  cfg.Bench.AckEvery,
		Logger:    log.Named("loadgen"),
	})
	closeStart := time.Now()
	closeErr := e.Close()
	closeTime := time.Since(closeStart)
	final := e.Stats()

	fmt.Fprintf(out, "recovery:     %d replayed in %s\n", recovered.Recovery.Replayed, recovered.RecoveryTime)
	fmt.Fprintf(out, "messages:     %s (%s acked)\n", humanize.Comma(res.Messages), humanize.Comma(res.Acks))
	fmt.Fprintf(out, "payload:      %s\n", humanize.Bytes(uint64(res.Bytes)))
	fmt.Fprintf(out, "duration:     %s (+%s close)\n", res.Duration.Round(time.Millisecond), closeTime.Round(time.Millisecond))
	fmt.Fprintf(out, "throughput:   %s msg/s, %s/s\n",
		humanize.Commaf(float64(int64(res.MessagesPerSec()))), humanize.Bytes(uint64(res.BytesPerSec())))
	fmt.Fprintf(out, "journal end:  %s\n", humanize.Bytes(uint64(final.Position)))
	fmt.Fprintf(out, "checkpoints:  %d\n", final.Checkpoints)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return closeErr
}

// ============================================================================
// dump
// ============================================================================

func buildDumpCommand() *cobra.Command {
	var blockSize int

	cmd := &cobra.Command{
		Use:   "dump [journal]",
		Short: "Print every record of a journal file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			path := cfg.JournalPath()
			if len(args) == 1 {
				path = args[0]
			}
			if !cmd.Flags().Changed("block-size") {
				blockSize = cfg.Journal.BlockSize
			}
			return dumpJournal(cmd.OutOrStdout(), path, blockSize)
		},
	}

	cmd.Flags().IntVar(&blockSize, "block-size", 0, "journal block size (default from config)")
	return cmd
}

func dumpJournal(out io.Writer, path string, blockSize int) error {
	store, err := openExisting(path, blockSize)
	if err != nil {
		return err
	}
	defer store.Close()

	sum, err := journal.Scan(store, func(rec journal.Record) error {
		switch rec.Kind {
		case journal.RecordData:
			flags := ""
			if rec.Init {
				flags += "I"
			}
			if rec.Final {
				flags += "F"
			}
			_, err := fmt.Fprintf(out, "%10d  data        %-7s id=%-8d seq=%-8d len=%-6d flags=%-2s segments=%v\n",
				rec.Pos, rec.Code, rec.ID, rec.Seq, rec.Length(), flags, rec.Segments)
			return err
		case journal.RecordCheckpoint:
			_, err := fmt.Fprintf(out, "%10d  checkpoint  addr=%d offset=%d length=%d watermark=%d\n",
				rec.Pos, rec.Checkpoint.Addr, rec.Checkpoint.Offset, rec.Checkpoint.Length, rec.Checkpoint.End())
			return err
		}
		return nil
	})
	if sum != nil {
		fmt.Fprintf(out, "-- %d data records, %d checkpoints, end at %d of %d bytes\n",
			sum.DataRecords, sum.Checkpoints, sum.End, sum.Size)
	}
	return err
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show journal status",
		Long:  "Display configuration, journal file and snapshot statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return showStatus(cmd.OutOrStdout(), cfg)
		},
	}
	return cmd
}

func showStatus(out io.Writer, cfg *Config) error {
	fmt.Fprintln(out, "Configuration:")
	fmt.Fprintf(out, "  ├─ Config File:     %s\n", configFile)
	fmt.Fprintf(out, "  ├─ Directory:       %s\n", cfg.Journal.Dir)
	fmt.Fprintf(out, "  ├─ Block Size:      %s\n", humanize.IBytes(uint64(cfg.Journal.BlockSize)))
	fmt.Fprintf(out, "  ├─ Ring Capacity:   %d\n", cfg.Journal.RingCapacity)
	fmt.Fprintf(out, "  ├─ Sync Mode:       %s\n", cfg.Journal.SyncMode)
	fmt.Fprintf(out, "  └─ Checkpoint:      every %s\n", cfg.Checkpoint.Interval)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Journal:")
	store, err := openExisting(cfg.JournalPath(), cfg.Journal.BlockSize)
	switch {
	case errors.Is(err, os.ErrNotExist):
		fmt.Fprintln(out, "  └─ not created yet")
	case err != nil:
		return err
	default:
		defer store.Close()
		sum, scanErr := journal.Scan(store, nil)
		if sum != nil {
			fmt.Fprintf(out, "  ├─ Instance:        %s\n", sum.Header.Instance)
			fmt.Fprintf(out, "  ├─ Created:         %s\n", humanize.Time(sum.Header.Created))
			fmt.Fprintf(out, "  ├─ Size:            %s (records end at %s)\n",
				humanize.IBytes(uint64(sum.Size)), humanize.IBytes(uint64(sum.End)))
			fmt.Fprintf(out, "  ├─ Data Records:    %s (%s payload)\n",
				humanize.Comma(int64(sum.DataRecords)), humanize.IBytes(uint64(sum.Bytes)))
			fmt.Fprintf(out, "  ├─ Checkpoints:     %d\n", sum.Checkpoints)
			if sum.LastCheckpoint != nil {
				fmt.Fprintf(out, "  └─ Last Checkpoint: watermark %d\n", sum.LastCheckpoint.End())
			} else {
				fmt.Fprintln(out, "  └─ Last Checkpoint: none")
			}
		}
		if scanErr != nil {
			fmt.Fprintf(out, "  !! scan stopped: %v\n", scanErr)
		}
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Snapshot:")
	mgr := snapshot.NewManager(cfg.SnapshotPath())
	if !mgr.Exists() {
		fmt.Fprintln(out, "  └─ none")
		return nil
	}
	data, err := mgr.Load()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "  ├─ Messages:        %s\n", humanize.Comma(int64(len(data.Messages))))
	fmt.Fprintf(out, "  ├─ Pending:         %d\n", len(data.Pending))
	fmt.Fprintf(out, "  └─ Watermark:       %d\n", data.Watermark)
	return nil
}

// ============================================================================
// archive
// ============================================================================

func buildArchiveCommand() *cobra.Command {
	var restore bool

	cmd := &cobra.Command{
		Use:   "archive <src> <dst>",
		Short: "Compress a closed journal file with zstd",
		Long:  "Compress a closed journal file with zstd, or decompress it with --restore",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if restore {
				n, err := journal.RestoreFile(args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "restored %s to %s\n", humanize.IBytes(uint64(n)), args[1])
				return nil
			}
			n, err := journal.ArchiveFile(args[0], args[1])
			if err != nil {
				return err
			}
			st, err := os.Stat(args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "archived %s into %s (%s)\n",
				humanize.IBytes(uint64(n)), args[1], humanize.IBytes(uint64(st.Size())))
			return nil
		},
	}

	cmd.Flags().BoolVar(&restore, "restore", false, "decompress instead")
	return cmd
}

// ============================================================================
// helpers
// ============================================================================

// openExisting opens a journal file for reading without creating it.
func openExisting(path string, blockSize int) (*block.FileStore, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return block.OpenFileStore(path, blockSize)
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	return cfg, nil
}
