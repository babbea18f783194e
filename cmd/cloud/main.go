package main

import (
	"context"
	"flag"
	"log"

	"github.com/mfreeman451/fleetmon/pkg/cloud"
	"github.com/mfreeman451/fleetmon/pkg/config"
	"github.com/mfreeman451/fleetmon/pkg/lifecycle"
	"github.com/mfreeman451/fleetmon/pkg/logger"
)

func main() {
	configPath := flag.String("config", "/etc/fleetmon/cloud.json", "Path to config file")
	flag.Parse()

	var cfg config.CloudConfig
	if err := config.LoadAndValidate(*configPath, &cfg); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := logger.Init(cfg.Logging); err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}

	server, err := cloud.NewServer(&cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	err = lifecycle.RunServer(context.Background(), &lifecycle.ServerOptions{
		ListenAddr:  cfg.ListenAddr,
		ServiceName: "fleetmon-cloud",
		Service:     server,
		Handler:     server.Router(),
	})
	if err != nil {
		log.Fatalf("Server exited: %v", err)
	}
}
