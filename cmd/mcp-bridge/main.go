// Package main provides the mcp-bridge CLI application.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/billyjbryant/mcp-foxxy-bridge/internal/bridge"
	"github.com/billyjbryant/mcp-foxxy-bridge/internal/config"
	"github.com/billyjbryant/mcp-foxxy-bridge/pkg/mcp"
)

// Version is the application version, set at build time.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "mcp-bridge",
		Short: "mcp-bridge multiplexes several MCP servers behind one stdio connection",
		Long: `mcp-bridge launches a configured set of MCP servers as subprocesses,
supervises their health, merges their tools/resources/prompts into one
catalog, and routes each client request to the backend that owns it.`,
		RunE: run,
	}

	rootCmd.Flags().StringP("config", "c", "", "path to the bridge configuration file")
	rootCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mcp-bridge %s\n", Version)
		},
	}
}

func run(cmd *cobra.Command, _ []string) error {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil || configPath == "" {
		return fmt.Errorf("--config is required")
	}

	level, _ := cmd.Flags().GetString("log-level")

	logger, err := initLogger(level)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load configuration", zap.Error(err))
		os.Exit(config.ExitCode(err))
	}

	ctrl := bridge.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ctrl.Start(ctx); err != nil {
		logger.Error("failed to start bridge", zap.Error(err))
		os.Exit(70)
	}
	defer ctrl.Shutdown()

	logger.Info("mcp-bridge started", zap.Int("backends", len(cfg.MCPServers)))

	serveStdio(ctx, ctrl, logger)

	return nil
}

// serveStdio is the bridge's minimal built-in transport: it reads
// line-delimited JSON-RPC requests from stdin and writes responses to
// stdout, the same framing every backend Session speaks. A full HTTP/SSE
// front door is out of scope; this loop exists so the bridge is runnable
// standalone rather than only as an importable library.
func serveStdio(ctx context.Context, ctrl *bridge.Controller, logger *zap.Logger) {
	reader := bufio.NewReader(os.Stdin)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			handleLine(ctx, ctrl, logger, line)
		}

		if err != nil {
			if err != io.EOF {
				logger.Warn("stdin read error", zap.Error(err))
			}

			return
		}
	}
}

func handleLine(ctx context.Context, ctrl *bridge.Controller, logger *zap.Logger, line []byte) {
	var req mcp.Request
	if err := json.Unmarshal(line, &req); err != nil {
		logger.Warn("discarding unparseable client request", zap.Error(err))

		return
	}

	resp := ctrl.HandleClientRequest(ctx, &req)
	if resp == nil {
		return // notification; no response expected
	}

	data, err := json.Marshal(resp)
	if err != nil {
		logger.Error("failed to marshal response", zap.Error(err))

		return
	}

	if _, err := os.Stdout.Write(append(data, '\n')); err != nil {
		logger.Error("failed to write response", zap.Error(err))
	}
}

func initLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
