package app

import (
	"fmt"
	"io"
	"os"
)

var (
	version   = "0.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// Main runs the busdeck CLI and returns the process exit code: 0 ok,
// 1 failure, 2 usage error.
func Main(args []string) int {
	if len(args) < 2 {
		printHelp(os.Stderr)
		return 2
	}

	c := newCLI()
	switch args[1] {
	case "serve":
		return serveCmd(args[2:])
	case "counts":
		return c.countsCmd(args[2:])
	case "peek":
		return c.peekCmd(args[2:])
	case "page":
		return c.pageCmd(args[2:])
	case "delete":
		return c.deleteCmd(args[2:])
	case "purge":
		return c.purgeCmd(args[2:])
	case "resubmit":
		return c.resubmitCmd(args[2:])
	case "send":
		return c.sendCmd(args[2:])
	case "config":
		return configCmd(args[2:])
	case "mcp":
		return c.mcpCmd(args[2:])
	case "version":
		return versionCmd(args[2:])
	case "help", "-h", "--help":
		printHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[1])
		printHelp(os.Stderr)
		return 2
	}
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, "busdeck")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  busdeck serve --config ./busdeck.yaml [--pid-file ./busdeck.pid] [--watch] [--log-level info] [--env-file ./.env]")
	fmt.Fprintln(w, "  busdeck counts --entity orders [--json]")
	fmt.Fprintln(w, "  busdeck peek --entity orders [--count 10] [--sub-queue active|dead_letter|all] [--json]")
	fmt.Fprintln(w, "  busdeck page --entity orders [--page 1] [--page-size 50] [--active-only|--dead-letter-only] [--json]")
	fmt.Fprintln(w, "  busdeck delete --entity orders --id <message-id> [--dead-letter] [--json]")
	fmt.Fprintln(w, "  busdeck purge --entity orders [--option all|active|dead_letter] [--json]")
	fmt.Fprintln(w, "  busdeck resubmit --entity topic/subscription --id <message-id> [--keep-dead-letter] [--json]")
	fmt.Fprintln(w, "  busdeck send --entity orders [--body text|--body-file path] [--decode-escapes] [--property k=v] [--json]")
	fmt.Fprintln(w, "  busdeck config validate --config ./busdeck.yaml [--json] [--strict-secrets]")
	fmt.Fprintln(w, "  busdeck config show --config ./busdeck.yaml")
	fmt.Fprintln(w, "  busdeck mcp serve --config ./busdeck.yaml [--role read|operate] [--principal ops] [--enable-mutations] [--enable-runtime-control]")
	fmt.Fprintln(w, "  busdeck version [--long] [--json]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Every command accepts --config (default $BUSDECK_CONFIG) and --env-file.")
}
