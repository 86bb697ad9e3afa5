package commands

import (
	"fmt"
	"os"
)

// ValidateCmd implements the 'validate' command.
type ValidateCmd struct{}

func (v *ValidateCmd) Run(g *Global, root *CLI) error {
	cfg, err := loadConfig(g, root)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(os.Stdout, "%s: ok (store %s, limit %d, artifacts %s)\n",
		root.Config, cfg.Store.Driver, cfg.Limits.MaxConcurrentBuilds, cfg.Artifacts.Backend)
	return err
}
