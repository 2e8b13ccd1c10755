// Command elg-replay re-executes recorded runs for verification and
// debugging. Exit codes: 0 clean, 1 divergence found, 2 usage or
// infrastructure error.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/verity-qa/cmo-elg/app"
	"github.com/verity-qa/cmo-elg/config"
	"github.com/verity-qa/cmo-elg/elg"
	"github.com/verity-qa/cmo-elg/elg/elgerr"
	"github.com/verity-qa/cmo-elg/elg/emit"
	"github.com/verity-qa/cmo-elg/graphs"
)

const (
	exitClean      = 0
	exitDivergence = 1
	exitError      = 2
)

type replayFlags struct {
	configPath string
	trace      string
	toStep     int
	verify     bool
	compare    string
	verbose    bool
}

func main() {
	var flags replayFlags

	root := &cobra.Command{
		Use:           "elg-replay --trace <traceId>",
		Short:         "Re-execute a recorded run from its checkpoint trace and verify determinism",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), flags)
		},
	}
	root.Flags().StringVar(&flags.configPath, "config", "", "path to a YAML config file (environment overrides apply)")
	root.Flags().StringVar(&flags.trace, "trace", "", "trace id of the run to replay (required)")
	root.Flags().IntVar(&flags.toStep, "to", -1, "replay only steps [0, N]; -1 replays the whole trace")
	root.Flags().BoolVar(&flags.verify, "verify", false, "collect every divergence instead of stopping at the first")
	root.Flags().StringVar(&flags.compare, "compare", "", "compare the trace against this second trace id, without re-execution")
	root.Flags().BoolVar(&flags.verbose, "verbose", false, "log each replayed step")
	root.MarkFlagRequired("trace")

	if err := root.Execute(); err != nil {
		code := exitError
		if elgerr.CodeOf(err) == elgerr.CodeReplayDivergence {
			code = exitDivergence
		}
		fmt.Fprintln(os.Stderr, "elg-replay:", err)
		os.Exit(code)
	}
}

func run(ctx context.Context, flags replayFlags) error {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}

	store, err := app.NewStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	if flags.compare != "" {
		divs, err := elg.CompareTraces(ctx, store, flags.trace, flags.compare)
		if err != nil {
			return err
		}
		if len(divs) > 0 {
			printJSON(map[string]any{
				"traceA":      flags.trace,
				"traceB":      flags.compare,
				"divergences": divs,
			})
			return elgerr.Newf(elgerr.CodeReplayDivergence,
				"traces %s and %s diverge at %d point(s)", flags.trace, flags.compare, len(divs))
		}
		printJSON(map[string]any{"traceA": flags.trace, "traceB": flags.compare, "identical": true})
		return nil
	}

	blobs, err := app.NewBlobStore(ctx, cfg.BlobStore)
	if err != nil {
		return err
	}
	defer blobs.Close()

	var emitter emit.Emitter = emit.NullEmitter{}
	if flags.verbose {
		logger, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		defer logger.Sync()
		emitter = emit.NewLogEmitter(logger)
	}

	engine, err := elg.NewEngine[app.State](elg.Deps{
		Store:   store,
		Blobs:   blobs,
		Emitter: emitter,
	}, elg.Config{SpillThreshold: cfg.Runtime.SpillThresholdBytes})
	if err != nil {
		return err
	}

	run, err := engine.GetRun(ctx, flags.trace)
	if err != nil {
		return fmt.Errorf("load trace %s: %w", flags.trace, err)
	}
	g, ok := graphs.ByID()[run.GraphID]
	if !ok {
		return elgerr.Newf(elgerr.CodeConfigInvalid,
			"trace %s was recorded by graph %q, which is not in this binary's catalog",
			flags.trace, run.GraphID)
	}

	report, rerr := engine.Replay(ctx, g, flags.trace, elg.ReplayOptions{
		ToStep:  flags.toStep,
		Verify:  flags.verify,
		Verbose: flags.verbose,
	})
	printJSON(replayOutput(report, rerr == nil))
	if rerr != nil {
		return rerr
	}
	return nil
}

func replayOutput(report elg.ReplayReport[app.State], clean bool) map[string]any {
	out := map[string]any{
		"traceId":       report.TraceID,
		"graphId":       report.GraphID,
		"graphVersion":  report.GraphVersion,
		"status":        report.Status,
		"stepsReplayed": report.StepsReplayed,
		"clean":         clean,
	}
	if len(report.Divergences) > 0 {
		out["divergences"] = report.Divergences
	}
	if clean {
		out["finalState"] = report.FinalState
		out["finalOutput"] = report.FinalOutput
	}
	return out
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil && !errors.Is(err, os.ErrClosed) {
		fmt.Fprintln(os.Stderr, "elg-replay: encode output:", err)
	}
}
