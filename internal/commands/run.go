package commands

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"github.com/urfave/cli"

	"github.com/banshee-data/hf-timestd/internal/api"
	"github.com/banshee-data/hf-timestd/internal/monitoring"
)

func init() {
	command := cli.Command{
		Name:  "run",
		Usage: "receive every configured channel, estimate clock offsets and publish the consensus",
		Flags: []cli.Flag{
			ConfigFlag,
			cli.StringFlag{
				Name:  "listen, l",
				Usage: "serve the HTTP API on `ADDR` (overrides http.listen)",
			},
		},
		Action: runDaemon,
	}

	bootstrapCommands(command)
}

func runDaemon(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if l := c.String("listen"); l != "" {
		cfg.HTTP.Listen = l
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg.HTTP.Listen, func() (*system, error) { return buildSystem(cfg, systemOptions{}) })
}

// serve runs the pipelines and the HTTP API until ctx is cancelled.
func serve(ctx context.Context, listen string, build func() (*system, error)) error {
	log := monitoring.Component("run")
	sys, err := build()
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	defer sys.Close()

	channels := sys.orch.Channels()
	statuses := make([]api.ChannelStatus, len(channels))
	for i, ch := range channels {
		statuses[i] = ch
	}
	server := api.NewServer(api.Options{
		Publisher:    sys.publisher,
		Channels:     statuses,
		Latest:       sys.registry,
		Measurements: sys.db,
		Offsets:      sys.registry,
		History:      sys.db,
		Gatherer:     sys.gatherer,
		DB:           sys.db,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.ListenAndServe(ctx, listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("http server failed, shutting down")
			cancel()
		}
	}()

	err = sys.orch.Run(ctx)
	cancel()
	wg.Wait()
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	log.Info("shutdown complete")
	return nil
}
