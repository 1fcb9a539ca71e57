package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"quicproxy/internal/app"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to config file (.toml/.yaml/.yml). If empty, use $QUICPROXY_CONFIG or auto-detect quicproxy.toml > quicproxy.yaml > quicproxy.yml > config.toml")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, *configPath); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "quicproxy: %v\n", err)
		os.Exit(1)
	}
}
