// Command meshd runs one node of the mesh: a master that orchestrates or a
// child that owns a data domain.
//
// Usage:
//
//	meshd serve --config node.yaml
//	meshd validate --config node.yaml
//	meshd schema > config.schema.json
package main

import (
	"errors"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"
)

// Exit codes.
const (
	exitOK      = 0
	exitConfig  = 1 // configuration error
	exitStorage = 2 // session storage unavailable
	exitPeer    = 3 // peer unreachable during a required operation
)

// exitError carries the process exit code alongside the cause.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func configErr(err error) error  { return &exitError{code: exitConfig, err: err} }
func storageErr(err error) error { return &exitError{code: exitStorage, err: err} }
func peerErr(err error) error    { return &exitError{code: exitPeer, err: err} }

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the node."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`
	Schema   SchemaCmd   `cmd:"" help:"Generate the JSON Schema for node configuration."`

	Config    string `short:"c" help:"Path to config file." type:"path" default:"node.yaml"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:""`
	LogFormat string `help:"Log format (text or json)." default:""`
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
	fmt.Printf("meshd version %s\n", version)
	return nil
}

func main() {
	cli := &CLI{}
	ktx := kong.Parse(cli,
		kong.Name("meshd"),
		kong.Description("Federated agent-mesh node."),
		kong.UsageOnError(),
	)

	if err := ktx.Run(cli); err != nil {
		fmt.Fprintf(os.Stderr, "meshd: %v\n", err)
		var xe *exitError
		if errors.As(err, &xe) {
			os.Exit(xe.code)
		}
		os.Exit(exitConfig)
	}
	os.Exit(exitOK)
}
