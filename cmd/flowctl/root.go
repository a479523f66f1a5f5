// flowctl is the run launcher: it resolves the process topology from the
// address flags, loads a workflow from a name or definition file, and drives
// the execution lifecycle.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/danmuck/flowctl/internal/config"
	"github.com/danmuck/flowctl/internal/exitcode"
	"github.com/danmuck/flowctl/internal/launcher"
	"github.com/danmuck/flowctl/internal/lifecycle"
	"github.com/danmuck/flowctl/internal/logging"
)

const Version = "0.2.0"

var (
	flagServerAddr       string
	flagListenAddr       string
	flagSkipStatusServer bool
	flagNodes            string
	flagDryRun           string
	flagOptimize         string
	flagRandomSeed       string
	flagSnapshot         string
	flagBackground       bool
	flagDumpAttrs        string
	flagGraphPath        string
	flagVisualize        bool
	flagFrontend         bool
	flagDumpConfig       bool
	flagVerbosity        string
	flagDebug            []string
	flagOverrides        []string
)

var rootCmd = &cobra.Command{
	Use:   "flowctl <workflow> [config]",
	Short: "distributed workflow launcher",
	Long: `flowctl loads a workflow from a built-in name or a definition file and
runs it standalone, as a master connected to a coordinating endpoint, or as
a slave listening for masters, optionally bootstrapping a fleet of remote
nodes over SSH.

A config argument of "-" derives the path <workflow>_config.toml next to
the workflow definition.`,
	Version:       Version,
	Args:          cobra.RangeArgs(0, 2),
	SilenceUsage:  true,
	SilenceErrors: true,
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(run(cmd, args))
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitcode.Failure)
	}
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&flagServerAddr, "server-address", "s", "", "connect to a coordinating endpoint (master mode)")
	flags.StringVarP(&flagListenAddr, "listen-address", "l", "", "listen for masters on host:port (slave mode)")
	flags.BoolVar(&flagSkipStatusServer, "skip-status-server", false, "do not probe for or launch the shared status server")
	flags.StringVarP(&flagNodes, "nodes", "n", "", "comma-separated hosts to bootstrap, or @file.yaml with a host list")
	flags.StringVarP(&flagDryRun, "dry-run", "d", "run", "how far to proceed: none, load, init or run")
	flags.StringVar(&flagOptimize, "optimize", "", "optimization spec mode[:population_size], mode in {no, single, multi}")
	flags.StringVar(&flagRandomSeed, "random-seed", "", "comma-separated per-stream seed specs (hex, '-', or file[:count[:dtype]])")
	flags.StringVar(&flagSnapshot, "snapshot", "", "snapshot path or http(s) URL to resume from")
	flags.BoolVarP(&flagBackground, "background", "b", false, "detach and run as a daemon")
	flags.StringVar(&flagDumpAttrs, "dump-unit-attributes", "no", "dump unit attributes: no, brief or all")
	flags.StringVar(&flagGraphPath, "workflow-graph", "", "write the dependency graph to this DOT file")
	flags.BoolVar(&flagVisualize, "visualize", false, "render the graph and drive plotting units interactively")
	flags.BoolVar(&flagFrontend, "frontend", false, "open the command-line builder UI and run its output")
	flags.BoolVar(&flagDumpConfig, "dump-config", false, "print the effective configuration and exit")
	flags.StringVarP(&flagVerbosity, "verbosity", "v", "", "log level: trace, debug, info, warn, error or disabled")
	flags.StringSliceVar(&flagDebug, "debug", nil, "component loggers forced to debug level")
	flags.StringArrayVar(&flagOverrides, "config-list", nil, "configuration override statements applied after the config file")

	rootCmd.AddCommand(forgeCmd)
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

func run(cmd *cobra.Command, args []string) int {
	logging.ConfigureRuntime()
	if flagVerbosity != "" && !logging.SetVerbosity(flagVerbosity) {
		fmt.Fprintf(os.Stderr, "flowctl: bad verbosity %q\n", flagVerbosity)
		return exitcode.Failure
	}
	logging.EnableDebug(flagDebug)

	if flagFrontend {
		return runFrontend()
	}

	root := config.NewRoot()
	workflowArg, configArg := resolveSources(args)

	if flagDumpConfig {
		if configArg != "" {
			if err := root.ApplyFile(configArg); err != nil {
				log.Error().Err(err).Str("config", configArg).Msg("flowctl config load failed")
				return exitcode.For(err)
			}
		}
		root.Dump(os.Stdout)
		return exitcode.Success
	}

	if workflowArg == "" {
		_ = cmd.Help()
		return exitcode.Failure
	}

	if flagBackground && !lifecycle.Daemonized() {
		if _, err := lifecycle.Daemonize(os.Args); err != nil {
			log.Error().Err(err).Msg("flowctl daemonize failed")
			return exitcode.Failure
		}
		return exitcode.Success
	}

	dryRun, err := lifecycle.ParseDryRunLevel(flagDryRun)
	if err != nil {
		fmt.Fprintln(os.Stderr, "flowctl:", err)
		return exitcode.Failure
	}
	dumpAttrs, err := lifecycle.ParseAttrDumpMode(flagDumpAttrs)
	if err != nil {
		fmt.Fprintln(os.Stderr, "flowctl:", err)
		return exitcode.Failure
	}
	nodes, err := resolveNodes(flagNodes)
	if err != nil {
		log.Error().Err(err).Str("nodes", flagNodes).Msg("flowctl node list failed")
		return exitcode.For(err)
	}

	opts := lifecycle.Options{
		Workflow:         workflowArg,
		ConfigFile:       configArg,
		Overrides:        flagOverrides,
		ServerAddr:       flagServerAddr,
		ListenAddr:       flagListenAddr,
		Nodes:            nodes,
		SkipStatusServer: flagSkipStatusServer,
		DryRun:           dryRun,
		Optimize:         flagOptimize,
		RandomSeed:       flagRandomSeed,
		Snapshot:         flagSnapshot,
		Visualize:        flagVisualize,
		DumpAttrs:        dumpAttrs,
		GraphPath:        flagGraphPath,
		Args:             launchArgs(),
	}
	return lifecycle.Execute(opts, root)
}

// launchArgs is the command line replayed on bootstrapped nodes. A relative
// invocation would not resolve remotely, so argv[0] becomes the absolute
// executable path.
func launchArgs() []string {
	argv := append([]string(nil), os.Args...)
	if exe, err := os.Executable(); err == nil {
		argv[0] = exe
	}
	return argv
}

// resolveSources maps the positional arguments onto (workflow, config). A
// config of "-" derives <workflow>_config.toml beside the definition.
func resolveSources(args []string) (string, string) {
	if len(args) == 0 {
		return "", ""
	}
	workflowArg := args[0]
	if len(args) < 2 {
		return workflowArg, ""
	}
	configArg := args[1]
	if configArg == "-" {
		base := strings.TrimSuffix(workflowArg, filepath.Ext(workflowArg))
		configArg = base + "_config.toml"
	}
	return workflowArg, configArg
}

// resolveNodes parses the node flag: a comma-separated host list, or
// "@path" naming a YAML file with a sequence of hostnames.
func resolveNodes(raw string) (launcher.NodeList, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if !strings.HasPrefix(raw, "@") {
		return launcher.ParseNodes(raw), nil
	}
	data, err := os.ReadFile(strings.TrimPrefix(raw, "@"))
	if err != nil {
		return nil, err
	}
	var nodes []string
	if err := yaml.Unmarshal(data, &nodes); err != nil {
		return nil, fmt.Errorf("flowctl: node list file: %w", err)
	}
	out := make(launcher.NodeList, 0, len(nodes))
	for _, node := range nodes {
		node = strings.TrimSpace(node)
		if node != "" {
			out = append(out, node)
		}
	}
	return out, nil
}
