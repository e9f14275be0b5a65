package main

import (
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/leadgen-cli/internal/model"
	"github.com/sells-group/leadgen-cli/internal/pipeline"
)

var (
	passLeadIDs  []string
	watchTimeout time.Duration
)

var stepCmd = &cobra.Command{
	Use:   "step",
	Short: "Run, inspect, and pass pipeline steps",
}

func parseStepArg(arg string) (int, error) {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > model.NumSteps {
		return 0, eris.Errorf("step must be a number between 1 and %d", model.NumSteps)
	}
	return n, nil
}

var stepRunCmd = &cobra.Command{
	Use:   "run <job-id> <step>",
	Short: "Run one invocation of a step's processing",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		stepNumber, err := parseStepArg(args[1])
		if err != nil {
			return err
		}

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Pipeline.RunStep(ctx, args[0], stepNumber); err != nil {
			return err
		}

		step, err := env.Store.GetStep(ctx, args[0], stepNumber)
		if err != nil {
			return err
		}
		return printJSON(step)
	},
}

var stepLeadsCmd = &cobra.Command{
	Use:   "leads <job-id> <step>",
	Short: "Show a step's leads with live counts",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		stepNumber, err := parseStepArg(args[1])
		if err != nil {
			return err
		}

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		view, err := env.Pipeline.StepLeads(ctx, args[0], stepNumber)
		if err != nil {
			return err
		}
		return printJSON(view)
	},
}

var stepPassCmd = &cobra.Command{
	Use:   "pass <job-id> <step>",
	Short: "Pass leads to the next step; no --lead passes every eligible lead",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		stepNumber, err := parseStepArg(args[1])
		if err != nil {
			return err
		}

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		result, err := env.Pipeline.Pass(ctx, args[0], stepNumber, passLeadIDs)
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

var stepWatchCmd = &cobra.Command{
	Use:   "watch <job-id> <step>",
	Short: "Wait for a running step to settle",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		stepNumber, err := parseStepArg(args[1])
		if err != nil {
			return err
		}

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		zap.L().Info("watching step",
			zap.String("job_id", args[0]),
			zap.Int("step", stepNumber))

		step, err := env.Pipeline.WatchStep(ctx, args[0], stepNumber,
			pipeline.WithWatchTimeout(watchTimeout))
		if err != nil {
			return err
		}
		return printJSON(step)
	},
}

func init() {
	stepPassCmd.Flags().StringSliceVar(&passLeadIDs, "lead", nil, "lead ID to pass (repeatable)")
	stepWatchCmd.Flags().DurationVar(&watchTimeout, "timeout", 10*time.Minute, "maximum time to wait")

	stepCmd.AddCommand(stepRunCmd, stepLeadsCmd, stepPassCmd, stepWatchCmd)
	rootCmd.AddCommand(stepCmd)
}
