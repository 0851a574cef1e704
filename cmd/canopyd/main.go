package main

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/canopymq/canopy/pkg/boot"
	"github.com/canopymq/canopy/pkg/broker"
	"github.com/canopymq/canopy/pkg/log"
	"github.com/canopymq/canopy/pkg/metrics"
	_ "github.com/canopymq/canopy/pkg/modules/connlocal"
)

var (
	// Version information (set via ldflags during build)
	Version   = broker.Version
	Commit    = "unknown"
	BuildTime = "unknown"
)

// requiredEnv maps mandatory environment variables to the immutable
// configuration attributes they seed.
var requiredEnv = map[string]string{
	"CANOPY_EXEC_PATH":        "conf.exec_path",
	"CANOPY_CONNECTOR_PATH":   "conf.connector_path",
	"CANOPY_MODULE_PATH":      "conf.module_path",
	"CANOPY_PMI_LIBRARY_PATH": "conf.pmi_library_path",
	"CANOPY_RC1_PATH":         "conf.rc1_path",
	"CANOPY_RC3_PATH":         "conf.rc3_path",
	"CANOPY_SEC_DIRECTORY":    "conf.sec_directory",
}

// scrubEnv lists job-scoped variables cleared before the reactor starts
// so broker children do not inherit them.
var scrubEnv = []string{
	"CANOPY_URI",
	"CANOPY_JOB_ID",
	"CANOPY_JOB_SIZE",
	"CANOPY_JOB_NNODES",
	"CANOPY_KVS_NAMESPACE",
}

var (
	flagVerbose    bool
	flagJSONLog    bool
	flagSecurity   string
	flagModulePath string
	flagKary       uint32
	flagHeartrate  float64
	flagGrace      float64
	flagSetattr    []string
	flagBootMethod string
	flagBootConfig string
	flagRank       uint32
	flagPersistDir string
	flagMetrics    string
	flagNoConnect  bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "canopyd [flags] [initial-program [args...]]",
	Short: "Canopy - tree-overlay message broker",
	Long: `Canopyd is a per-node message broker. Brokers across a session
organize themselves into a k-ary tree overlay and cooperatively route
typed messages between loaded modules, local clients, and peer brokers.

Rank 0 additionally sequences session events and drives the staged
runlevel executor; the trailing argument list, if any, becomes the
session's initial program.`,
	Version: Version,
	Args:    cobra.ArbitraryArgs,
	RunE:    runBroker,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Canopy version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	f := rootCmd.Flags()
	f.BoolVarP(&flagVerbose, "verbose", "v", false, "Enable debug logging")
	f.BoolVar(&flagJSONLog, "log-json", false, "Output logs in JSON format")
	f.StringVarP(&flagSecurity, "security", "s", "curve", "Overlay security mode (none, plain, curve)")
	f.StringVarP(&flagModulePath, "module-path", "X", "", "Module search path (overrides CANOPY_MODULE_PATH)")
	f.Uint32VarP(&flagKary, "k-ary", "k", 2, "Tree fanout (K >= 1)")
	f.Float64VarP(&flagHeartrate, "heartrate", "H", 2.0, "Heartbeat period in seconds")
	f.Float64VarP(&flagGrace, "shutdown-grace", "g", 0, "Shutdown grace in seconds (0 = derive from tree depth)")
	f.StringArrayVarP(&flagSetattr, "setattr", "S", nil, "Set attribute NAME=VALUE (repeatable)")
	f.StringVar(&flagBootMethod, "boot-method", "pmi", "Bootstrap method (pmi, config)")
	f.StringVar(&flagBootConfig, "boot-config", "", "Static bootstrap file (config method)")
	f.Uint32Var(&flagRank, "rank", rankFromEnv(), "This broker's rank (config method)")
	f.StringVar(&flagPersistDir, "persist-directory", "", "Rank 0 persistent storage directory")
	f.StringVar(&flagMetrics, "metrics-addr", "", "Serve Prometheus metrics on this address")
	f.BoolVar(&flagNoConnect, "no-local-connector", false, "Do not load the connector-local module")
}

func rankFromEnv() uint32 {
	if v := os.Getenv("CANOPY_BROKER_RANK"); v != "" {
		if rank, err := strconv.ParseUint(v, 10, 32); err == nil {
			return uint32(rank)
		}
	}
	return 0
}

func runBroker(cmd *cobra.Command, args []string) error {
	level := "info"
	if flagVerbose {
		level = "debug"
	}
	log.Setup(log.Options{Level: level, JSON: flagJSONLog})

	if flagKary < 1 {
		return fmt.Errorf("--k-ary must be at least 1")
	}

	setAttrs := make(map[string]string)
	for env, attr := range requiredEnv {
		value := os.Getenv(env)
		if value == "" {
			return fmt.Errorf("required environment variable %s is not set", env)
		}
		setAttrs[attr] = value
	}
	if parentURI := os.Getenv("CANOPY_URI"); parentURI != "" {
		setAttrs["parent-uri"] = parentURI
	}
	for _, env := range scrubEnv {
		os.Unsetenv(env)
	}

	for _, kv := range flagSetattr {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("--setattr %q: expected NAME=VALUE", kv)
		}
		setAttrs[name] = value
	}

	modulePath := flagModulePath
	if modulePath == "" {
		modulePath = setAttrs["conf.module_path"]
	}

	var method boot.Method
	var err error
	switch flagBootMethod {
	case "config":
		if flagBootConfig == "" {
			return fmt.Errorf("--boot-method=config requires --boot-config")
		}
		method, err = boot.NewConfigMethod(flagBootConfig, flagRank, flagKary)
	case "pmi":
		method, err = boot.NewPMIMethod(flagKary)
	default:
		return fmt.Errorf("unknown boot method %q", flagBootMethod)
	}
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	cfg := broker.Config{
		K:              flagKary,
		Boot:           method,
		HeartRate:      time.Duration(flagHeartrate * float64(time.Second)),
		ShutdownGrace:  time.Duration(flagGrace * float64(time.Second)),
		SecurityMode:   flagSecurity,
		ModulePath:     modulePath,
		SetAttrs:       setAttrs,
		RC1:            rcCommand(setAttrs["conf.rc1_path"]),
		RC3:            rcCommand(setAttrs["conf.rc3_path"]),
		InitialProgram: args,
		PersistDir:     flagPersistDir,
		LoadConnector:  !flagNoConnect,
	}

	if flagModulePath != "" {
		setAttrs["conf.module_path"] = flagModulePath
	}

	b, err := broker.New(cfg)
	if err != nil {
		return fmt.Errorf("creating broker: %w", err)
	}

	if flagMetrics != "" {
		go func() {
			if err := http.ListenAndServe(flagMetrics, metrics.Handler()); err != nil {
				logger := log.Component("metrics")
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	rc := b.Run()
	method.Finalize()
	os.Exit(rc)
	return nil
}

// rcCommand wraps an rc script path as a shell command line. An empty
// path leaves the level unset.
func rcCommand(path string) []string {
	if path == "" {
		return nil
	}
	return []string{path}
}
