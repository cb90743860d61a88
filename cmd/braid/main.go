package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmerrifield20/braided/internal/config"
	"github.com/jmerrifield20/braided/internal/connect"
	"github.com/jmerrifield20/braided/internal/consistency"
	"github.com/jmerrifield20/braided/internal/health"
	"github.com/jmerrifield20/braided/internal/identity"
	"github.com/jmerrifield20/braided/internal/metrics"
	"github.com/jmerrifield20/braided/internal/provision"
	"github.com/jmerrifield20/braided/internal/scheduler"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

// exitClashes is the process status when a check finds clashes.
const exitClashes = 3

// exitError carries a specific process status out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

var cfgFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "braid",
	Short: "Braided cross-chain notarization agent",
	Long: `braid records the block hashes of watched chains into registries on
other chains, so a rewrite of one chain's history is detectable from the
others.

Configuration is read from braided.yaml in configs/ or the working
directory, or from --config.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default configs/braided.yaml or ./braided.yaml)")

	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(evidenceCmd)
	rootCmd.AddCommand(viewCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(versionCmd)
}

// load reads the configuration and builds the logger it asks for.
func load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newLogger(lc config.Log) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if lc.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if lc.Level != "" {
		level, err := zap.ParseAtomicLevel(lc.Level)
		if err != nil {
			return nil, &config.Error{Field: "log.level", Msg: err.Error()}
		}
		zc.Level = level
	}
	return zc.Build()
}

func toUint64s(in []uint) []uint64 {
	out := make([]uint64, len(in))
	for i, v := range in {
		out[i] = uint64(v)
	}
	return out
}

// ── agent ────────────────────────────────────────────────────────────────────

var agentMonitor bool

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Watch the configured chains and write checkpoints",
	Long: `agent runs until interrupted. For every new head of a watched chain it
decides, per registry, whether the head is due to be recorded and writes it.

With --monitor it also compares every checkpoint appended to a registry with
what the other registries recorded, logging an alert on disagreement.`,
	RunE: runAgent,
}

func init() {
	agentCmd.Flags().BoolVar(&agentMonitor, "monitor", false, "Also run the live consistency monitor")
}

func runAgent(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := load()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	set := connect.New(cfg, logger)
	defer set.Close()

	agents, sources, err := set.Agents(ctx)
	if err != nil {
		return err
	}
	sched, err := scheduler.New(scheduler.Config{Sources: sources, Agents: agents, Logger: logger})
	if err != nil {
		return err
	}

	targets, err := set.HealthTargets(ctx)
	if err != nil {
		return err
	}
	monitor := health.New(targets, health.Config{}, logger)
	monitor.SetMetricsRecord(metrics.RecordHealthCheck)
	go monitor.Start(ctx)

	var metricsSrv *http.Server
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/healthz", monitor)
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Info("metrics listening", zap.String("addr", cfg.Metrics.Addr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics listen error", zap.Error(err))
			}
		}()
	}

	monitorDone := make(chan struct{})
	if agentMonitor {
		checker, err := set.Checker(ctx, cfg.Check.Depth, false)
		if err != nil {
			return err
		}
		var recorder consistency.Recorder
		if cfg.Check.Evidence != "" {
			store, err := consistency.OpenSQLite(cfg.Check.Evidence, logger)
			if err != nil {
				return err
			}
			defer store.Close()
			recorder = store
		}
		go func() {
			defer close(monitorDone)
			consistency.NewMonitor(checker, recorder).Run(ctx) //nolint:errcheck
		}()
	} else {
		close(monitorDone)
	}

	err = sched.Run(ctx)
	<-monitorDone

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics shutdown error", zap.Error(err))
		}
	}
	logger.Info("agent stopped")
	return err
}

// ── setup ────────────────────────────────────────────────────────────────────

var setupDryRun bool

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Register strands and grant agents in the configured registries",
	Long: `setup makes sure every registry an agent writes into has a strand for
each chain the agent watches, and that the agent may append to it. Strands
that are already registered with the same location, genesis hash and
description are left alone, so setup can be run repeatedly.`,
	RunE: runSetup,
}

func init() {
	setupCmd.Flags().BoolVar(&setupDryRun, "dry-run", false, "Print the plan without writing")
}

func runSetup(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := load()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx := cmd.Context()
	set := connect.New(cfg, logger)
	defer set.Close()

	targets, err := set.Targets(ctx)
	if err != nil {
		return err
	}
	plan, err := provision.New(nil, setupDryRun, logger).Run(ctx, targets)
	if plan != nil {
		plan.Print(cmd.OutOrStdout())
	}
	if err != nil {
		return err
	}
	return plan.Err()
}

// ── check ────────────────────────────────────────────────────────────────────

var (
	checkDepth         int
	checkEvidence      string
	checkAgainstChains bool
	checkStrands       []uint
	checkVerbose       bool
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Compare what the registries recorded",
	Long: `check walks the most recent checkpoints of each strand in every
registry and compares hashes recorded for the same block number. With
--against-chains the hashes are also compared with the watched chains.

Exits with status 3 when any clash is found.`,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().IntVar(&checkDepth, "depth", 0, "Checkpoints read per strand and registry (default check.depth)")
	checkCmd.Flags().StringVar(&checkEvidence, "evidence", "", "SQLite file to record comparisons in (default check.evidence)")
	checkCmd.Flags().BoolVar(&checkAgainstChains, "against-chains", false, "Also compare with the watched chains' own headers")
	checkCmd.Flags().UintSliceVar(&checkStrands, "strand", nil, "Strand ids to check (default all)")
	checkCmd.Flags().BoolVarP(&checkVerbose, "verbose", "v", false, "List matches as well as clashes")
}

func runCheck(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := load()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx := cmd.Context()
	set := connect.New(cfg, logger)
	defer set.Close()

	depth := checkDepth
	if depth == 0 {
		depth = cfg.Check.Depth
	}
	checker, err := set.Checker(ctx, depth, checkAgainstChains)
	if err != nil {
		return err
	}
	report, err := checker.Check(ctx, toUint64s(checkStrands))
	if err != nil {
		return err
	}
	report.Print(cmd.OutOrStdout(), checkVerbose)

	path := checkEvidence
	if path == "" {
		path = cfg.Check.Evidence
	}
	if path != "" {
		store, err := consistency.OpenSQLite(path, logger)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.Record(ctx, report.Comparisons()); err != nil {
			return err
		}
	}

	if err := report.Err(); err != nil {
		return &exitError{code: exitClashes, err: err}
	}
	return nil
}

// ── evidence ─────────────────────────────────────────────────────────────────

var (
	evidenceFile    string
	evidenceClashes bool
	evidenceStrand  uint64
)

var evidenceCmd = &cobra.Command{
	Use:   "evidence",
	Short: "List comparisons recorded by check and the agent monitor",
	RunE: func(cmd *cobra.Command, _ []string) error {
		path := evidenceFile
		if path == "" {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			path = cfg.Check.Evidence
		}
		if path == "" {
			return errors.New("no evidence file: set check.evidence or --file")
		}
		store, err := consistency.OpenSQLite(path, nil)
		if err != nil {
			return err
		}
		defer store.Close()

		ev, err := store.List(cmd.Context(), consistency.Filter{ClashesOnly: evidenceClashes, StrandID: evidenceStrand})
		if err != nil {
			return err
		}
		consistency.PrintEvidence(cmd.OutOrStdout(), ev)
		return nil
	},
}

func init() {
	evidenceCmd.Flags().StringVar(&evidenceFile, "file", "", "Evidence database (default check.evidence)")
	evidenceCmd.Flags().BoolVar(&evidenceClashes, "clashes", false, "Only list clashes")
	evidenceCmd.Flags().Uint64Var(&evidenceStrand, "strand", 0, "Only list one strand")
}

// ── view ─────────────────────────────────────────────────────────────────────

var (
	viewStrands []uint
	viewDepth   int
)

var viewCmd = &cobra.Command{
	Use:   "view",
	Short: "Print the checkpoints recorded in every registry",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := load()
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck

		ctx := cmd.Context()
		set := connect.New(cfg, logger)
		defer set.Close()

		for _, rc := range cfg.Registries {
			reg, err := set.Registry(ctx, rc.Name, nil)
			if err != nil {
				return err
			}
			dumps, err := consistency.Dump(ctx, reg, toUint64s(viewStrands), viewDepth)
			if err != nil {
				return fmt.Errorf("%s: %w", rc.Name, err)
			}
			consistency.PrintDump(cmd.OutOrStdout(), rc.Name, dumps)
		}
		return nil
	},
}

func init() {
	viewCmd.Flags().UintSliceVar(&viewStrands, "strand", nil, "Strand ids to print (default all)")
	viewCmd.Flags().IntVar(&viewDepth, "depth", consistency.DefaultDepth, "Checkpoints printed per strand")
}

// ── keygen ───────────────────────────────────────────────────────────────────

var keygenOut string

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Create a secp256k1 identity key",
	Long: `keygen creates a key usable as an agent identity or registry owner, for
hosted registries and contracts alike. Without --out the private key is
printed; keep it secret.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		key, err := identity.GenerateKey()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if keygenOut != "" {
			if err := key.SaveFile(keygenOut); err != nil {
				return err
			}
			fmt.Fprintf(out, "key written to %s\n", keygenOut)
		} else {
			fmt.Fprintf(out, "key:     %s\n", key.Hex())
		}
		fmt.Fprintf(out, "address: %s\n", key.Address().Hex())
		return nil
	},
}

func init() {
	keygenCmd.Flags().StringVar(&keygenOut, "out", "", "Write the key to this file instead of printing it")
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the braid version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("braid %s (Braided)\n", version)
	},
}
