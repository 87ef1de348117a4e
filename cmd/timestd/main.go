package main

import (
	"os"

	"github.com/urfave/cli"

	"github.com/banshee-data/hf-timestd/internal/commands"
	"github.com/banshee-data/hf-timestd/internal/monitoring"
	"github.com/banshee-data/hf-timestd/internal/version"
)

func main() {
	app := cli.NewApp()
	app.Name = "timestd"
	app.Usage = "Derive a clock offset from HF time-standard broadcasts received over RTP."
	app.Version = version.String()
	app.Commands = commands.Commands()

	if err := app.Run(os.Args); err != nil {
		monitoring.Logger().WithError(err).Error("timestd failed")
		os.Exit(1)
	}
}
