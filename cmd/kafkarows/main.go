package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"kafkarows/internal/engine"
	"kafkarows/internal/logging"
	"kafkarows/source/kafka"
)

func main() {
	var cfg engine.Config
	flag.StringVar(&cfg.PipelineYml, "pipeline", "pipeline.yml", "pipeline file")
	flag.IntVar(&cfg.GRPCPort, "grpc-port", 7070, "health service port, -1 disables it")
	flag.IntVar(&cfg.MetricsPort, "metrics-port", 9100, "prometheus port, 0 disables it")
	flag.IntVar(&cfg.Cycles, "cycles", 1, "drain cycles when the pipeline has no input rows, 0 = until stopped")
	drivers := flag.Bool("drivers", false, "list source drivers and exit")
	flag.Parse()

	if *drivers {
		for _, d := range kafka.Drivers() {
			fmt.Println(d)
		}
		return
	}

	if err := logging.InitFromEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(2)
	}
	defer logging.Sync()
	log := logging.L()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := engine.Bootstrap(ctx, cfg)
	if err != nil {
		log.Fatal("bootstrap", zap.Error(err))
	}

	if err := e.Run(ctx); err != nil {
		log.Error("engine", zap.Error(err))
		logging.Sync()
		os.Exit(1)
	}
}
