// Package main provides the evidentia CLI entrypoint.
//
// Usage:
//
//	evidentia <command> [options]
//
// Exit codes for `capture`:
//   - 0: success (evidence certified or discarded on request)
//   - 1: capture or stream error
//   - 2: chain-of-custody failure
//   - 3: upload failure
//
// Exit codes for `verify`:
//   - 0: manifest verified
//   - 1: a commitment is broken
//   - 2: manifest unreadable
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/evidentia-io/evidentia/cli/cmd"
	"github.com/evidentia-io/evidentia/types"
)

// Commit is set via ldflags at build time.
var commit = "unknown"

func main() {
	app := &cli.App{
		Name:           "evidentia",
		Usage:          "Evidentia evidence capture CLI",
		Version:        fmt.Sprintf("%s (commit: %s)", types.Version, commit),
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			cmd.CaptureCommand(),
			cmd.VerifyCommand(),
			cmd.VersionCommand(commit),
		},
	}

	if err := app.Run(os.Args); err != nil {
		// ExitErrHandler already handled cli.ExitCoder errors; this branch
		// covers unexpected errors that were not wrapped.
		os.Exit(1)
	}
}

// exitErrHandler preserves exit codes from cli.Exit() so the documented
// capture and verify codes reach the caller.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()

		// cli.Exit("", N).Error() returns "exit status N"; skip those.
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
