// Package cmd provides CLI commands for the evidentia binary.
package cmd

import "github.com/urfave/cli/v2"

// Shared flags across commands.
var (
	// ConfigFlag points at the evidentia.yaml config file. CLI flags
	// override config file values.
	ConfigFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to evidentia.yaml config file",
	}

	// QuietFlag suppresses result output.
	QuietFlag = &cli.BoolFlag{
		Name:    "quiet",
		Aliases: []string{"q"},
		Usage:   "Suppress result output",
	}
)

// SharedFlags returns the flags common to all commands.
func SharedFlags() []cli.Flag {
	return []cli.Flag{
		ConfigFlag,
		QuietFlag,
	}
}

// firstNonEmpty returns the first non-empty string, for flag-over-config
// precedence.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
