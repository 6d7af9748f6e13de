package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/giantswarm/mcp-assistant/internal/agent"
	"github.com/giantswarm/mcp-assistant/internal/agent/engine"
	"github.com/giantswarm/mcp-assistant/internal/agent/stream"
)

var jsonOutput bool

func init() {
	rootCmd.Flags().BoolVar(&jsonOutput, "json", false, "With --query, print events as NDJSON instead of formatted text")
}

// runOneShot executes a single query and exits. With --json every event is
// written as one NDJSON line, which makes the output scriptable; otherwise
// only progress and the final answer are printed.
func runOneShot(ctx context.Context, eng *engine.Engine, logger *agent.Logger) error {
	if jsonOutput {
		enc := stream.NewEncoder(os.Stdout)
		var failed bool
		for ev := range eng.ProcessQuery(ctx, query) {
			if ev.Type == stream.TypeError {
				failed = true
			}
			if err := enc.Encode(ev); err != nil {
				return err
			}
		}
		if failed {
			return fmt.Errorf("query failed")
		}
		return nil
	}

	var answer string
	var failure string
	for ev := range eng.ProcessQuery(ctx, query) {
		switch ev.Type {
		case stream.TypeStatus:
			logger.Info("%s", ev.Message)
		case stream.TypeToolStart:
			logger.Info("[%d/%d] Running %s...", ev.Step, ev.Total, ev.Tool)
		case stream.TypeToolError:
			if ev.Skipped {
				logger.Warning("[%d/%d] %s skipped: %s", ev.Step, ev.Total, ev.Tool, ev.Error)
			} else {
				logger.Error("[%d/%d] %s failed: %s", ev.Step, ev.Total, ev.Tool, ev.Error)
			}
		case stream.TypeFinalResponse:
			answer = ev.Response
		case stream.TypeError:
			failure = ev.Error
		}
	}

	if failure != "" {
		return fmt.Errorf("query failed: %s", failure)
	}
	fmt.Println(answer)
	return nil
}
