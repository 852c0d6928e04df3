// Command loom is the CLI for the Loom agent runtime.
//
// Usage:
//
//	loom run --config loom.yaml "summarize yesterday's deploys"
//	loom chat --config loom.yaml
//	loom tools --config loom.yaml
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Run     RunCmd     `cmd:"" help:"Run a single query against the configured agent."`
	Chat    ChatCmd    `cmd:"" help:"Start an interactive chat session."`
	Tools   ToolsCmd   `cmd:"" help:"List the tools available to the configured agent."`

	Config    string `short:"c" help:"Path to config file (default: ./loom.yaml)." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple, verbose, or json)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("Loom version %s\n", version)
	return nil
}

// printBanner prints a colored ASCII banner using loom-indigo (#6366f1)
func printBanner() {
	// Check if stdout is a terminal
	if fileInfo, err := os.Stdout.Stat(); err == nil {
		if (fileInfo.Mode() & os.ModeCharDevice) == 0 {
			// Not a terminal, skip banner
			return
		}
	} else {
		return
	}

	// Indigo color: #6366f1 = RGB(99, 102, 241)
	// Use ANSI RGB color mode: \033[38;2;R;G;Bm
	indigoColor := "\033[38;2;99;102;241m"
	resetColor := "\033[0m"

	banner := `
██╗      ██████╗  ██████╗ ███╗   ███╗
██║     ██╔═══██╗██╔═══██╗████╗ ████║
██║     ██║   ██║██║   ██║██╔████╔██║
██║     ██║   ██║██║   ██║██║╚██╔╝██║
███████╗╚██████╔╝╚██████╔╝██║ ╚═╝ ██║
╚══════╝ ╚═════╝  ╚═════╝ ╚═╝     ╚═╝
`
	fmt.Printf("%s%s%s\n", indigoColor, banner, resetColor)
}

// shouldSkipBanner checks if command should skip banner.
// "version" and "tools" are informational and print plain output.
func shouldSkipBanner(args []string) bool {
	if len(args) < 2 {
		return false
	}
	for _, arg := range args {
		if arg == "version" || arg == "tools" {
			return true
		}
	}
	return false
}

func main() {
	if !shouldSkipBanner(os.Args) {
		printBanner()
	}

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("loom"),
		kong.Description("Loom - Config-first AI Agent Runtime"),
		kong.UsageOnError(),
	)

	// Initialize logger with CLI flags/env vars before config loading.
	cleanup, err := initLoggerFromCLI(cli.LogLevel, cli.LogFile, cli.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	if cleanup != nil {
		defer cleanup()
	}

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
