package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rich1edwards/vividly-mvp-sub011/internal/app"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/shutdown"
)

func main() {
	a, err := app.New()
	if err != nil {
		fmt.Printf("failed to initialize app: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Start(); err != nil {
		a.Log.Error("start failed", "error", err)
		a.Close()
		os.Exit(1)
	}

	ctx, stop := shutdown.NotifyContext(context.Background())
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- a.Run() }()

	select {
	case <-ctx.Done():
		a.Log.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			a.Log.Error("server exited", "error", err)
			a.Close()
			os.Exit(1)
		}
	}
}
