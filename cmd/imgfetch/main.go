package main

import (
	"context"
	"os"

	"github.com/apptainer/singularity-sub000/pkg/cli"
	"github.com/outofforest/logger"
	"github.com/outofforest/run"
)

func main() {
	run.New().Run(context.Background(), "imgfetch", func(ctx context.Context) error {
		if code := cli.Execute(ctx, os.Args[1:]); code != cli.ExitOK {
			_ = logger.Get(ctx).Sync()
			os.Exit(code)
		}
		return nil
	})
}
