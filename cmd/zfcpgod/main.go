package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sigreer/zfcpgod/internal/cache"
	"github.com/sigreer/zfcpgod/internal/config"
	"github.com/sigreer/zfcpgod/internal/journal"
	"github.com/sigreer/zfcpgod/internal/sysbus"
	"github.com/sigreer/zfcpgod/internal/telemetry"
	"github.com/sigreer/zfcpgod/internal/version"
	"github.com/sigreer/zfcpgod/internal/zfcp"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "zfcpgod",
	Short: "zFCP controller and LUN management tool",
	Long: `zfcpgod manages zFCP storage on IBM Z: it lists FCP devices, activates
them, discovers the WWPNs and LUNs behind them, attaches disks and streams
hardware change events.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("zfcpgod %s\n", version.Version)
	},
}

// env is everything a command needs, built from the config file.
type env struct {
	cfg     *config.Config
	log     zerolog.Logger
	metrics *telemetry.Metrics
	journal *journal.Journal
	backend *sysbus.Backend
	engine  *zfcp.Engine
}

// recorder returns the sinks for operations and events.
func (e *env) recorder() zfcp.Recorder {
	if e.journal == nil {
		return zfcp.Recorders(e.metrics)
	}
	return zfcp.Recorders(e.metrics, e.journal)
}

func (e *env) close() {
	if e.journal != nil {
		e.journal.Close()
	}
}

func newEnv() *env {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	e := &env{
		cfg:     cfg,
		log:     telemetry.NewLogger(cfg.Log.Level, cfg.Log.Format, os.Stderr),
		metrics: telemetry.NewMetrics(cfg.Metrics.Namespace),
	}

	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal.Path, telemetry.Component(e.log, "journal"))
		if err != nil {
			// The journal is an audit aid; device management works without it.
			e.log.Warn().Err(err).Str("path", cfg.Journal.Path).Msg("journal disabled")
		} else {
			e.journal = j
		}
	}

	e.backend = sysbus.New(sysbus.Options{
		SysfsRoot: cfg.SysfsRoot,
		DevRoot:   cfg.DevRoot,
		Chzdev:    cfg.Tools.Chzdev,
		Lsluns:    cfg.Tools.Lsluns,
		Logger:    telemetry.Component(e.log, "sysbus"),
	})
	e.engine = zfcp.NewEngine(e.backend, zfcp.Options{
		Logger:   telemetry.Component(e.log, "engine"),
		Recorder: e.recorder(),
		LUNCache: cache.New[zfcp.Path, []string](cfg.LUNCacheTTL),
	})
	return e
}

func fatal(what string, err error) {
	fmt.Fprintf(os.Stderr, "Error %s: %v\n", what, err)
	os.Exit(1)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/zfcpgod/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(supportedCmd)
	rootCmd.AddCommand(controllersCmd)
	rootCmd.AddCommand(activateCmd)
	rootCmd.AddCommand(wwpnsCmd)
	rootCmd.AddCommand(lunsCmd)
	rootCmd.AddCommand(disksCmd)
	rootCmd.AddCommand(activateDiskCmd)
	rootCmd.AddCommand(deactivateDiskCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
