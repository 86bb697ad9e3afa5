package main

import (
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/buildorch/cmd/buildorch/commands"
)

func main() {
	var cli commands.CLI
	global := &commands.Global{}
	ctx := kong.Parse(&cli,
		kong.Name("buildorch"),
		kong.Description("Build orchestration core for a multi-tenant compile service"),
		kong.UsageOnError(),
		kong.Bind(global),
	)
	if err := ctx.Run(&cli); err != nil {
		if global.Logger == nil {
			global.Logger = slog.Default()
		}
		global.Logger.Error("Command failed", "error", err)
		os.Exit(1)
	}
}
