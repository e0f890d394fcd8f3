// keyreplacerd - text expansion daemon
//
// keyreplacerd watches what is typed, and when a shortcut followed by
// space, enter or tab matches a mapping, erases the shortcut and types the
// expansion in its place.
//
//	keyreplacerd run              Run the expansion daemon in the foreground
//	keyreplacerd add KEY VALUE    Add or replace a mapping
//	keyreplacerd list             List mappings
//	keyreplacerd import FILE      Merge mappings from a JSON, YAML or TOML file
//
// The running daemon picks up changes made by these commands from the
// mappings file. keyreplacerctl talks to it over the control socket.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
)

// Version is set at build time.
var Version = "dev"

var errAlreadyRunning = errors.New("another keyreplacerd instance is running")

// errUsage makes run print the usage text.
var errUsage = errors.New("usage")

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) || errors.Is(err, flag.ErrHelp) {
			usage(os.Stderr)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) < 1 {
		return errUsage
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "run":
		return cmdRun(rest, out)
	case "add":
		return cmdAdd(rest, out)
	case "remove", "rm":
		return cmdRemove(rest, out)
	case "list", "ls":
		return cmdList(rest, out)
	case "clear":
		return cmdClear(rest, out)
	case "import":
		return cmdImport(rest, out)
	case "export":
		return cmdExport(rest, out)
	case "backup":
		return cmdBackup(rest, out)
	case "backups":
		return cmdBackups(rest, out)
	case "restore":
		return cmdRestore(rest, out)
	case "reset-config":
		return cmdResetConfig(rest, out)
	case "stats":
		return cmdStats(rest, out)
	case "version", "-v", "--version":
		fmt.Fprintf(out, "keyreplacerd %s (%s/%s)\n", Version, runtime.GOOS, runtime.GOARCH)
		return nil
	case "help", "-h", "--help":
		usage(out)
		return nil
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `keyreplacerd - text expansion daemon

USAGE:
    keyreplacerd <command> [options]

COMMANDS:
    run                 Run the expansion daemon until interrupted
    add KEY VALUE       Add or replace a mapping
    remove KEY          Remove a mapping
    list                List mappings (long values are truncated)
    clear               Remove all mappings (a backup is taken first)
    import FILE         Merge mappings from a .json, .yaml or .toml file
    export FILE         Write mappings to a .json, .yaml or .toml file
    backup              Back up the mappings file now
    backups             List mapping backups
    restore NAME        Restore mappings from a backup
    reset-config        Rewrite the configuration file with defaults
    stats               Show expansion history statistics
    version             Print the version
    help                Show this help message

RUN OPTIONS:
    -config-dir DIR     Directory holding config.toml
    -log-level LEVEL    debug, info, warn or error
    -no-file-logging    Log to the console only
    -dry-run            Read lines from stdin instead of the keyboard and
                        print expansions instead of typing them

Every command accepts -config-dir.

Use keyreplacerctl to pause, resume or inspect a running daemon.`)
}
