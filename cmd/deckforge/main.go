// Deckforge turns text and tabular data into slide decks by driving an
// external tool host over line-delimited JSON.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]); without one the
// built-in defaults apply.
//
// Usage:
//
//	deckforge run <file>              Build a deck from a text file
//	deckforge mixed [flags] [file]    Blend narrative and dataset sections
//	deckforge doctor                  Start the tool host and ping it
//	deckforge journal                 Show recorded tool calls
//	deckforge init [dir]              Write a config and sample workspace
//	deckforge toolhost                Serve the built-in tools on stdio
//	deckforge version                 Print version and build information
//	deckforge -o json <command>       Output results as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/nugget/deckforge/internal/buildinfo"
	"github.com/nugget/deckforge/internal/config"
)

// main constructs the OS-level environment and delegates to [run] so
// the whole command surface can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Results go to stdout and logs to stderr,
// which keeps stdout clean for -o json and for the toolhost protocol.
// Global flags are parsed by hand so that run has no package-level
// state; each subcommand parses its own flags with a private FlagSet.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
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
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	g := globals{configPath: configPath, output: outputFmt, stdout: stdout, stderr: stderr}

	switch command {
	case "run":
		return runSingle(ctx, g, cmdArgs)
	case "mixed":
		return runMixed(ctx, g, cmdArgs)
	case "doctor":
		return runDoctor(ctx, g)
	case "journal":
		return runJournal(ctx, g, cmdArgs)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "toolhost":
		return runToolhost(ctx, stdin, stdout, stderr, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// globals carries the parsed top-level flags and output streams.
type globals struct {
	configPath string
	output     string
	stdout     io.Writer
	stderr     io.Writer
}

func (g globals) json() bool { return g.output == "json" }

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range buildinfo.Keys() {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Deckforge - slide decks from text and data")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: deckforge [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  run [-run-id id] [-title t] [-max n] <file>")
	fmt.Fprintln(w, "                  Summarize a text file into a deck")
	fmt.Fprintln(w, "  mixed -dataset f.csv -questions q.yaml -total n [-run-id id] [file]")
	fmt.Fprintln(w, "                  Blend narrative and dataset sections under one budget")
	fmt.Fprintln(w, "  doctor          Start the tool host and check that it answers")
	fmt.Fprintln(w, "  journal [-run-id id] [-limit n]")
	fmt.Fprintln(w, "                  Show recorded tool calls")
	fmt.Fprintln(w, "  init [dir]      Write a config and sample inputs (default: .)")
	fmt.Fprintln(w, "  toolhost        Serve the built-in tools on stdin/stdout")
	fmt.Fprintln(w, "  version         Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./deckforge.yaml, ~/.config/deckforge/config.yaml, /etc/deckforge/config.yaml")
	return nil
}

// loadConfig locates, parses and validates the configuration. An
// explicit path must exist; when none is given and no file is found
// the defaults are used and the returned path is empty.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg := config.Default()
	if cfgPath != "" {
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, cfgPath, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
