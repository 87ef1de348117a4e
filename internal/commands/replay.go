package commands

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"

	"github.com/banshee-data/hf-timestd/internal/consensus"
	"github.com/banshee-data/hf-timestd/internal/network"
)

func init() {
	command := cli.Command{
		Name:      "replay",
		Usage:     "feed a pcap or pcapng capture through the configured channels",
		ArgsUsage: "CAPTURE",
		Flags: []cli.Flag{
			ConfigFlag,
		},
		Action: replayCapture,
	}

	bootstrapCommands(command)
}

// replayReport is printed when a replay finishes.
type replayReport struct {
	Capture network.ReplayStats `json:"capture"`
	Result  *consensus.Result   `json:"consensus,omitempty"`
}

func replayCapture(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("replay needs exactly one capture file", 2)
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	// Captures are historical, so measurements are never too old to count.
	combiner := cfg.CombinerConfig()
	combiner.MaxAge = 0
	sys, err := buildSystem(cfg, systemOptions{combiner: &combiner})
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	defer sys.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return runReplay(ctx, sys, c.Args().First())
}

func runReplay(ctx context.Context, sys *system, path string) error {
	stats, err := sys.orch.Replay(ctx, path)
	if err != nil && !errors.Is(err, context.Canceled) {
		return cli.NewExitError(err.Error(), 1)
	}
	report := replayReport{Capture: stats}
	if res, ok := sys.publisher.Latest(); ok {
		report.Result = &res
	}
	return printJSON(report)
}
