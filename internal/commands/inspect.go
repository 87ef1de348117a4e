package commands

import (
	"fmt"
	"math"

	"github.com/urfave/cli"

	"github.com/banshee-data/hf-timestd/internal/archive"
	"github.com/banshee-data/hf-timestd/internal/fsutil"
)

func init() {
	command := cli.Command{
		Name:      "inspect",
		Usage:     "print the metadata of archived segment files",
		ArgsUsage: "SEGMENT...",
		Action:    inspectSegments,
	}

	bootstrapCommands(command)
}

type segmentSummary struct {
	Path string `json:"path"`
	archive.Metadata
	RMS float64 `json:"rms"`
}

func inspectSegments(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.NewExitError("inspect needs at least one segment file", 2)
	}
	fsys := fsutil.OSFileSystem{}
	out := make([]segmentSummary, 0, c.NArg())
	for _, path := range c.Args() {
		seg, err := archive.ReadSegment(fsys, path)
		if err != nil {
			return cli.NewExitError(fmt.Sprintf("%s: %v", path, err), 1)
		}
		out = append(out, segmentSummary{Path: path, Metadata: seg.Metadata, RMS: rms(seg.Samples)})
	}
	return printJSON(out)
}

func rms(samples []complex64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		re, im := float64(real(s)), float64(imag(s))
		sum += re*re + im*im
	}
	return math.Sqrt(sum / float64(len(samples)))
}
