package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/leadgen-cli/internal/model"
	"github.com/sells-group/leadgen-cli/internal/pipeline"
	"github.com/sells-group/leadgen-cli/internal/store"
)

var (
	jobPlatform   string
	jobCountry    string
	jobRegion     string
	jobCity       string
	jobCategory   string
	jobLeadsLimit int
	jobPageOffset int

	jobsStatus   string
	jobsPlatform string
	jobsLimit    int
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Manage discovery jobs",
}

var jobCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new discovery job",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		job := &model.Job{
			Platform:   jobPlatform,
			Country:    jobCountry,
			Region:     jobRegion,
			City:       jobCity,
			Category:   jobCategory,
			LeadsLimit: jobLeadsLimit,
			PageOffset: jobPageOffset,
		}
		if err := env.Pipeline.CreateJob(ctx, job); err != nil {
			return err
		}
		return printJSON(job)
	},
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		jobs, err := env.Store.ListJobs(ctx, store.JobFilter{
			Status:   model.JobStatus(jobsStatus),
			Platform: jobsPlatform,
			Limit:    jobsLimit,
		})
		if err != nil {
			return err
		}
		return printJSON(jobs)
	},
}

var jobShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a job with its steps",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		job, err := env.Store.GetJob(ctx, args[0])
		if err != nil {
			return err
		}
		steps, err := env.Store.ListSteps(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"job": job, "steps": steps})
	},
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job; in-flight results are discarded",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		return env.Pipeline.Cancel(ctx, args[0])
	},
}

var jobStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job's steps with live per-step lead counts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		job, err := env.Store.GetJob(ctx, args[0])
		if err != nil {
			return err
		}

		type stepStatus struct {
			Step   *model.JobStep      `json:"step"`
			Counts pipeline.StepCounts `json:"counts"`
		}
		statuses := make([]stepStatus, 0, model.NumSteps)
		for n := 1; n <= model.NumSteps; n++ {
			view, err := env.Pipeline.StepLeads(ctx, args[0], n)
			if err != nil {
				return err
			}
			statuses = append(statuses, stepStatus{Step: view.Step, Counts: view.Counts})
		}
		return printJSON(map[string]any{"job": job, "steps": statuses})
	},
}

var jobDeleteCmd = &cobra.Command{
	Use:   "delete <job-id>",
	Short: "Delete a job and all its leads",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		return env.Store.DeleteJob(ctx, args[0])
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	jobCreateCmd.Flags().StringVar(&jobPlatform, "platform", "ubereats", "directory platform to discover from")
	jobCreateCmd.Flags().StringVar(&jobCountry, "country", "", "country filter")
	jobCreateCmd.Flags().StringVar(&jobRegion, "region", "", "region filter")
	jobCreateCmd.Flags().StringVar(&jobCity, "city", "", "city filter")
	jobCreateCmd.Flags().StringVar(&jobCategory, "category", "", "business category filter")
	jobCreateCmd.Flags().IntVar(&jobLeadsLimit, "leads-limit", 50, "maximum leads to discover")
	jobCreateCmd.Flags().IntVar(&jobPageOffset, "page-offset", 0, "listing page to start from")

	jobListCmd.Flags().StringVar(&jobsStatus, "status", "", "filter by job status")
	jobListCmd.Flags().StringVar(&jobsPlatform, "platform", "", "filter by platform")
	jobListCmd.Flags().IntVar(&jobsLimit, "limit", 50, "maximum jobs to list")

	jobCmd.AddCommand(jobCreateCmd, jobListCmd, jobShowCmd, jobStatusCmd, jobCancelCmd, jobDeleteCmd)
	rootCmd.AddCommand(jobCmd)
}
