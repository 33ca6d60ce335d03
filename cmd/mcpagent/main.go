// Mcpagent is a conversational agent whose tools are served by MCP
// servers.
//
// Each turn alternates between asking the model for the next action and
// running the tool calls it requests, until the model answers in plain
// text. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	mcpagent [chat]          Start an interactive session
//	mcpagent ask <question>  Answer a single question
//	mcpagent tools           List the tools the MCP servers offer
//	mcpagent usage           Summarize token usage over the last day
//	mcpagent dbcheck         Check the database connection string from DB_*
//	mcpagent version         Print version and build information
//	mcpagent -o json version Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nugget/mcp-agent/internal/buildinfo"
	"github.com/nugget/mcp-agent/internal/config"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run].
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// globalFlags are the flags accepted before or after the command.
type globalFlags struct {
	configPath string
	logLevel   string
	model      string
	outputFmt  string // "text" (default) or "json"
}

// run is the real entry point for the mcpagent command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process.
//   - stdin feeds the interactive session.
//   - stdout receives the transcript and command output.
//   - stderr receives structured logs.
//   - args is os.Args[1:].
//
// Arguments are parsed by hand; the flag package relies on package-level
// globals, which makes it impossible to call run concurrently from tests.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var flags globalFlags
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			flags.configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			flags.configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-log-level" && i+1 < len(args):
			flags.logLevel = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-log-level="):
			flags.logLevel = strings.TrimPrefix(args[i], "-log-level=")
		case args[i] == "-model" && i+1 < len(args):
			flags.model = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-model="):
			flags.model = strings.TrimPrefix(args[i], "-model=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			flags.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			flags.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			flags.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				// Collect remaining args as subcommand arguments.
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if flags.outputFmt == "" {
		flags.outputFmt = "text"
	}
	if flags.outputFmt != "text" && flags.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", flags.outputFmt)
	}

	switch command {
	case "", "chat":
		return runChat(ctx, stdin, stdout, stderr, flags)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: mcpagent ask <question>")
		}
		return runAsk(ctx, stdout, stderr, flags, strings.Join(cmdArgs, " "))
	case "tools":
		return runTools(ctx, stdout, stderr, flags)
	case "usage":
		return runUsage(ctx, stdout, stderr, flags)
	case "dbcheck":
		return runDBCheck(ctx, stdout, os.LookupEnv)
	case "version":
		return runVersion(stdout, flags.outputFmt)
	case "help":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "mcpagent - conversational agent with MCP tools")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: mcpagent [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  chat         Interactive session (default)")
	fmt.Fprintln(w, "  ask          Answer a single question")
	fmt.Fprintln(w, "  tools        List the tools offered by the MCP servers")
	fmt.Fprintln(w, "  usage        Token usage over the last 24 hours, by model")
	fmt.Fprintln(w, "  dbcheck      Check the connection string assembled from DB_*")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>     Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -log-level <lvl>   trace, debug, info, warn or error")
	fmt.Fprintln(w, "  -model <name>      Model, optionally as provider:model")
	fmt.Fprintln(w, "  -o, --output fmt   Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/mcpagent/config.yaml, /etc/mcpagent/config.yaml")
	return nil
}

// loadConfig locates, parses and validates the configuration. An
// explicit path must exist; without one, a missing file falls back to
// [config.Default]. Returns the config and the path loaded ("" for
// defaults).
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		return config.Default(), "", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// newLogger creates the stderr logger, honoring -log-level over the
// configured level.
func newLogger(w io.Writer, flagLevel, cfgLevel string) (*slog.Logger, error) {
	lvl := flagLevel
	if lvl == "" {
		lvl = cfgLevel
	}
	level, err := config.ParseLogLevel(lvl)
	if err != nil {
		return nil, err
	}
	return config.NewLogger(w, level), nil
}
