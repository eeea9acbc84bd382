package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/agentflow/internal/config"
)

var version = "dev"

// app carries state shared by every command.
type app struct {
	cfgFile string
	cfg     *config.Config
	logger  *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:     "agentflow",
		Short:   "Run ordered multi-agent workflows",
		Version: version,

		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.cfgFile)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = cfg.Logger()
			slog.SetDefault(a.logger)
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "",
		"config file (default: ./agentflow.yaml or ~/.agentflow/agentflow.yaml)")

	root.AddCommand(
		newValidateCmd(a),
		newRunCmd(a),
		newWorkflowCmd(a),
		newExecutionCmd(a),
		newServeCmd(a),
		newRecommendCmd(a),
	)
	return root
}

// runtime wires components for one command and returns a cleanup function
// bounded by a short grace period.
func (a *app) runtime(ctx context.Context, withAgents bool) (*runtime, func(), error) {
	rt, err := newRuntime(ctx, a.cfg, a.logger, withAgents)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rt.Close(cctx); err != nil {
			a.logger.Warn("shutdown incomplete", "error", err)
		}
	}
	return rt, cleanup, nil
}

func readDefinition(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("a definition file is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read definition: %w", err)
	}
	return string(data), nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
