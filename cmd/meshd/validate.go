package main

import (
	"fmt"
)

// ValidateCmd checks a configuration file without starting the node.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return configErr(err)
	}

	fmt.Printf("%s: configuration is valid\n", cli.Config)
	fmt.Printf("  node:    %s (%s)\n", cfg.Node.Slug, nodeRole(cfg.Node.IsMaster))
	fmt.Printf("  listen:  %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  session: %s\n", cfg.Session.Driver)
	if len(cfg.LLM.Providers) > 0 {
		fmt.Printf("  llm:     %d provider(s), default %q\n", len(cfg.LLM.Providers), cfg.LLM.DefaultEngine)
	}
	return nil
}

func nodeRole(isMaster bool) string {
	if isMaster {
		return "master"
	}
	return "child"
}
