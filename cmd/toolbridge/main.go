// Toolbridge connects an application to external MCP tool servers.
//
// It exposes an HTTP API for tool discovery and execution, manages the
// OAuth credentials of tool servers that need them, and keeps an audit
// trail of every call. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	toolbridge serve                                  Start the API server
//	toolbridge validate-config                        Check the config file
//	toolbridge servers <owner>                        List tool servers visible to owner
//	toolbridge discover <owner> <config-id>           List the tools of a server
//	toolbridge call <owner> <config-id> <tool> [json] Invoke a tool once
//	toolbridge audit <config-id>                      Show recent audit entries
//	toolbridge version                                Print build information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/nugget/toolbridge/internal/audit"
	"github.com/nugget/toolbridge/internal/buildinfo"
	"github.com/nugget/toolbridge/internal/config"
	"github.com/nugget/toolbridge/internal/registry"
	"github.com/nugget/toolbridge/internal/toolserver"
)

// main only sets up the OS environment and hands off to [run], so the
// whole command can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand rather than
// with the flag package so that run holds no global state.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "validate-config":
		return runValidate(stdout, configPath)
	case "servers":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: toolbridge servers <owner>")
		}
		return runServers(ctx, stdout, configPath, outputFmt, cmdArgs[0])
	case "discover":
		if len(cmdArgs) != 2 {
			return fmt.Errorf("usage: toolbridge discover <owner> <configuration-id>")
		}
		return runDiscover(ctx, stdout, configPath, outputFmt, cmdArgs[0], cmdArgs[1])
	case "call":
		if len(cmdArgs) < 3 || len(cmdArgs) > 4 {
			return fmt.Errorf("usage: toolbridge call <owner> <configuration-id> <tool> [json-arguments]")
		}
		rawArgs := ""
		if len(cmdArgs) == 4 {
			rawArgs = cmdArgs[3]
		}
		return runCall(ctx, stdout, configPath, cmdArgs[0], cmdArgs[1], cmdArgs[2], rawArgs)
	case "audit":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: toolbridge audit <configuration-id>")
		}
		return runAudit(ctx, stdout, configPath, outputFmt, cmdArgs[0])
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
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
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Toolbridge - MCP tool server integration layer")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: toolbridge [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                                   Start the API server")
	fmt.Fprintln(w, "  validate-config                         Check the configuration file")
	fmt.Fprintln(w, "  servers <owner>                         List tool servers visible to owner")
	fmt.Fprintln(w, "  discover <owner> <config-id>            List the tools of a server")
	fmt.Fprintln(w, "  call <owner> <config-id> <tool> [json]  Invoke a tool once")
	fmt.Fprintln(w, "  audit <config-id>                       Show recent audit entries")
	fmt.Fprintln(w, "  version                                 Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Owners are written kind:id, for example user:alice or system:system.")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/toolbridge/config.yaml, /etc/toolbridge/config.yaml")
	return nil
}

// runValidate loads the config file and reports every problem in it.
func runValidate(stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%s: %w", cfgPath, err)
	}
	fmt.Fprintf(stdout, "%s: ok\n", cfgPath)
	return nil
}

func runServers(ctx context.Context, stdout io.Writer, configPath, outputFmt, ownerArg string) error {
	owner, err := toolserver.ParseOwner(ownerArg)
	if err != nil {
		return err
	}
	cfg, err := loadValidConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(io.Discard, slog.LevelError, "text")

	st, err := openStores(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	configs, err := st.configs.ListForOwner(ctx, owner)
	if err != nil {
		return err
	}
	if outputFmt == "json" {
		return writeIndented(stdout, configs)
	}

	tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTRANSPORT\tAUTH\tENABLED\tSTATUS")
	for _, c := range configs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\n", c.ID, c.Name, c.Transport, c.AuthKind, c.Enabled, c.Status)
	}
	return tw.Flush()
}

func runDiscover(ctx context.Context, stdout io.Writer, configPath, outputFmt, ownerArg, configID string) error {
	owner, err := toolserver.ParseOwner(ownerArg)
	if err != nil {
		return err
	}
	cfg, err := loadValidConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(os.Stderr, slog.LevelWarn, cfg.LogFormat)

	stack, err := newStack(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer stack.Close()

	tools, err := stack.registry.DiscoverTools(ctx, owner, configID, registry.WithForceRefresh())
	if err != nil {
		return err
	}
	if outputFmt == "json" {
		return writeIndented(stdout, tools)
	}
	if len(tools) == 0 {
		fmt.Fprintln(stdout, "no tools (the server may be unreachable; see log output)")
		return nil
	}
	tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TOOL\tDESCRIPTION")
	for _, t := range tools {
		fmt.Fprintf(tw, "%s\t%s\n", t.Name, firstLine(t.Description))
	}
	return tw.Flush()
}

func runCall(ctx context.Context, stdout io.Writer, configPath, ownerArg, configID, tool, rawArgs string) error {
	owner, err := toolserver.ParseOwner(ownerArg)
	if err != nil {
		return err
	}
	var arguments map[string]any
	if rawArgs != "" {
		if err := json.Unmarshal([]byte(rawArgs), &arguments); err != nil {
			return fmt.Errorf("arguments must be a JSON object: %w", err)
		}
	}
	cfg, err := loadValidConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(os.Stderr, slog.LevelWarn, cfg.LogFormat)

	stack, err := newStack(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer stack.Close()

	res := stack.registry.CallTool(ctx, registry.Call{
		Caller:          owner,
		ConfigurationID: configID,
		ToolName:        tool,
		Arguments:       arguments,
		RequestID:       "cli-" + time.Now().UTC().Format("20060102T150405"),
	})
	if err := writeIndented(stdout, res); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("tool call failed: %s", res.Error)
	}
	return nil
}

func runAudit(ctx context.Context, stdout io.Writer, configPath, outputFmt, configID string) error {
	cfg, err := loadValidConfig(configPath)
	if err != nil {
		return err
	}

	auditStore, err := audit.NewStore(cfg.DatabasePath("audit"))
	if err != nil {
		return err
	}
	defer auditStore.Close()

	entries, err := auditStore.List(ctx, audit.Filter{ConfigurationID: configID, Limit: 50})
	if err != nil {
		return err
	}
	if outputFmt == "json" {
		return writeIndented(stdout, entries)
	}

	tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tOWNER\tACTION\tTOOL\tSTATUS\tLATENCY\tERROR")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%dms\t%s\n",
			e.ExecutedAt.Local().Format(time.DateTime), e.Owner, e.Action, e.ToolName, e.Status, e.LatencyMs, e.Error)
	}
	return tw.Flush()
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	return slog.New(config.NewLogHandler(w, level, format))
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

func loadValidConfig(explicit string) (*config.Config, error) {
	cfg, cfgPath, err := loadConfig(explicit)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	return cfg, nil
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func firstLine(s string) string {
	s, _, _ = strings.Cut(strings.TrimSpace(s), "\n")
	return s
}
