// statusctl runs the shared status server a fleet's runs report to.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/flowctl/internal/logging"
	"github.com/danmuck/flowctl/internal/status"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	host := flag.String("host", "", "listen host override")
	port := flag.Int("port", 0, "listen port override")
	flag.Parse()

	logging.ConfigureRuntime()

	cfg, err := loadServiceConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "statusctl: %v\n", err)
		os.Exit(1)
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *port > 0 {
		cfg.Port = *port
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc := status.NewService(cfg)
	if err := svc.Serve(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "statusctl: %v\n", err)
		os.Exit(1)
	}
}
