package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"kafkarows/internal/logging"
	"kafkarows/internal/pipeline"
	"kafkarows/internal/telemetry"
	"kafkarows/internal/transport"
)

// Config holds the process-level knobs from the command line.
type Config struct {
	PipelineYml string
	GRPCPort    int // <0 disables the health server, 0 picks a free port
	MetricsPort int // <=0 disables /metrics
	Cycles      int // cycles without input rows, 0 = until stopped
}

func Bootstrap(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.PipelineYml == "" {
		return nil, errors.New("engine: pipeline file is required")
	}

	// 1. pipeline runner
	runner, err := pipeline.Compile(cfg.PipelineYml)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	runner.SetCycles(cfg.Cycles)

	// 2. transport server
	var srv *transport.Server
	if cfg.GRPCPort >= 0 {
		srv, err = transport.StartServer(cfg.GRPCPort)
		if err != nil {
			return nil, fmt.Errorf("transport: %w", err)
		}
		logging.L().Info("health service listening", zap.Stringer("addr", srv.Addr()))
	}

	// 3. metrics
	if cfg.MetricsPort > 0 {
		telemetry.Expose(cfg.MetricsPort)
	} else {
		telemetry.MustRegister()
	}

	return &Engine{
		transport: srv,
		runner:    runner,
	}, nil
}
