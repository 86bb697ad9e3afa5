package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"git.home.luguber.info/inful/buildorch/internal/version"
)

// VersionCmd implements the 'version' command.
type VersionCmd struct {
	JSON bool `help:"Print JSON"`
}

func (v *VersionCmd) Run(_ *Global, _ *CLI) error {
	info := version.Current()
	if v.JSON {
		return json.NewEncoder(os.Stdout).Encode(info)
	}
	_, err := fmt.Fprintln(os.Stdout, info.String())
	return err
}
