// Command tagging-server runs the crowd-sourced player tagging service and
// its maintenance subcommands.
//
// Usage:
//
//	tagging-server [global flags] [serve]
//	tagging-server [global flags] migrate <up|down|status|version N|force N|help>
//	tagging-server [global flags] recompute -video ID -frame N [-track N]
//	tagging-server [global flags] reputation refresh
//	tagging-server remote -url URL <stats|recompute> [flags]
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	_ "go.uber.org/automaxprocs"

	"github.com/banshee-data/tagconsensus/internal/config"
	"github.com/banshee-data/tagconsensus/internal/version"
)

type globalFlags struct {
	configPath  string
	dbPath      string
	listen      string
	grpcListen  string
	showVersion bool
}

func newFlagSet(out io.Writer) (*flag.FlagSet, *globalFlags) {
	g := &globalFlags{}
	fs := flag.NewFlagSet("tagging-server", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&g.configPath, "config", "", "Path to a JSON or YAML config file (defaults are used when empty)")
	fs.StringVar(&g.dbPath, "db", "", "SQLite database path (overrides db_path)")
	fs.StringVar(&g.listen, "listen", "", "HTTP listen address (overrides listen)")
	fs.StringVar(&g.grpcListen, "grpc-listen", "", "gRPC listen address (overrides grpc_listen)")
	fs.BoolVar(&g.showVersion, "version", false, "Print version and exit")
	fs.Usage = func() {
		fmt.Fprintln(out, "Usage: tagging-server [flags] [serve|migrate|recompute|reputation|remote] ...")
		fs.PrintDefaults()
	}
	return fs, g
}

// loadConfig resolves the effective configuration: defaults, then the file,
// then command-line overrides.
func loadConfig(g *globalFlags) (*config.Config, error) {
	cfg := config.Default()
	if g.configPath != "" {
		var err error
		if cfg, err = config.Load(g.configPath); err != nil {
			return nil, err
		}
	}
	if g.dbPath != "" {
		cfg.DBPath = g.dbPath
	}
	if g.listen != "" {
		cfg.Listen = g.listen
	}
	if g.grpcListen != "" {
		cfg.GRPCListen = g.grpcListen
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// run dispatches a command line and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	fs, g := newFlagSet(stderr)
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 2
	}
	if g.showVersion {
		fmt.Fprintln(stdout, version.String())
		return 0
	}

	rest := fs.Args()
	cmd := "serve"
	if len(rest) > 0 {
		cmd, rest = rest[0], rest[1:]
	}

	// remote talks to a running server and needs no local configuration.
	if cmd == "remote" {
		return exitCode(stderr, runRemote(rest, stdout, nil))
	}

	cfg, err := loadConfig(g)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}

	switch cmd {
	case "serve":
		err = runServe(cfg)
	case "migrate":
		err = runMigrate(rest, cfg, stdout)
	case "recompute":
		err = runRecompute(rest, cfg, stdout)
	case "reputation":
		err = runReputation(rest, cfg, stdout)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", cmd)
		fs.Usage()
		return 2
	}
	return exitCode(stderr, err)
}

func exitCode(stderr io.Writer, err error) int {
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}
