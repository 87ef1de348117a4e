package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli"

	"github.com/banshee-data/hf-timestd/internal/consensus"
	"github.com/banshee-data/hf-timestd/internal/timeutil"
)

func init() {
	command := cli.Command{
		Name:  "consensus",
		Usage: "compute one consensus from the measurements stored in the database",
		Flags: []cli.Flag{
			ConfigFlag,
			cli.StringFlag{
				Name:  "at",
				Usage: "evaluate as of `TIME` (RFC 3339) instead of now",
			},
			cli.BoolFlag{
				Name:  "record",
				Usage: "append the result to the consensus history",
			},
		},
		Action: computeConsensus,
	}

	bootstrapCommands(command)
}

func computeConsensus(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	var clock timeutil.Clock = timeutil.RealClock{}
	if at := c.String("at"); at != "" {
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return cli.NewExitError(fmt.Sprintf("invalid --at: %v", err), 2)
		}
		clock = timeutil.NewMockClock(t)
	}

	store, err := openDB(cfg)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	defer store.Close()

	comb, err := consensus.NewCombiner(cfg.CombinerConfig(), store.MeasurementStore(), clock)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	res := comb.Cycle()
	if c.Bool("record") {
		if err := store.AppendConsensus(context.Background(), res); err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
	}
	return printJSON(res)
}
