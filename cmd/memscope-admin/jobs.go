package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/target/memscope/internal/domain/model"
)

func submitCmd(c *cli) *cobra.Command {
	var (
		req    model.SubmitJobRequest
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an analysis job for an instance",
		Long: `Submit an analysis job. The instance memory is acquired first unless --dump names an
existing image on the service host.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			job, err := c.client().Submit(cmd.Context(), req)
			if err != nil {
				return err
			}
			if follow {
				return followJob(cmd, c, job.ID)
			}
			return printJob(c, job)
		},
	}
	cmd.Flags().StringVar(&req.InstanceID, "instance-id", "", "instance identifier (required)")
	cmd.Flags().StringVar(&req.InstanceName, "instance-name", "", "human readable instance name")
	cmd.Flags().StringVar(&req.DumpPath, "dump", "", "absolute path of an existing memory image to analyze")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "watch the job until it finishes")
	_ = cmd.MarkFlagRequired("instance-id")
	return cmd
}

func statusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := c.client().Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJob(c, job)
		},
	}
}

func listCmd(c *cli) *cobra.Command {
	var state, instanceID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs held by the service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := c.client().List(cmd.Context(), state, instanceID)
			if err != nil {
				return err
			}
			if c.jsonOutput() {
				return writeJSON(c.out, list)
			}
			renderJobs(c.out, list.Jobs)
			return renderStats(c.out, list.Stats)
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "only jobs in this state")
	cmd.Flags().StringVar(&instanceID, "instance-id", "", "only jobs for this instance")
	return cmd
}

func watchCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Print every status change of a job until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return followJob(cmd, c, args[0])
		},
	}
}

func followJob(cmd *cobra.Command, c *cli, id string) error {
	wait := min(30*time.Second, c.timeout/2)
	final, err := c.client().Follow(cmd.Context(), id, wait, func(j *jobView) {
		if c.jsonOutput() {
			_ = writeJSON(c.out, j)
			return
		}
		fmt.Fprintf(c.out, "%s  %-10s %3d%%  %s\n",
			time.Now().UTC().Format(time.TimeOnly), j.State, j.ProgressPercent, j.CurrentStep)
	})
	if err != nil {
		return err
	}
	if final.State == model.JobStateFailed {
		return fmt.Errorf("job %s failed: %s", final.ID, jobError(&final.Job))
	}
	return nil
}

func resultCmd(c *cli) *cobra.Command {
	var partial bool
	cmd := &cobra.Command{
		Use:   "result <job-id>",
		Short: "Show the findings of a completed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := c.client().Result(cmd.Context(), args[0], partial)
			if err != nil {
				return err
			}
			if c.jsonOutput() {
				return writeJSON(c.out, doc)
			}
			return renderResult(c.out, doc)
		},
	}
	cmd.Flags().BoolVar(&partial, "partial", false, "show the partial result of a failed or cancelled job")
	return cmd
}

func reportCmd(c *cli) *cobra.Command {
	var format, file string
	cmd := &cobra.Command{
		Use:   "report <job-id>",
		Short: "Download a job's rendered report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := c.client().Report(cmd.Context(), args[0], format)
			if err != nil {
				return err
			}
			if file == "" {
				_, err = c.out.Write(rep.Body)
				return err
			}
			if err := os.WriteFile(file, rep.Body, 0o600); err != nil {
				return fmt.Errorf("write report: %w", err)
			}
			fmt.Fprintf(c.out, "wrote %s report to %s (%d bytes)\n", rep.Format, file, len(rep.Body))
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "render in this format instead of the stored one (markdown, json)")
	cmd.Flags().StringVar(&file, "file", "", "write the report to a file instead of stdout")
	return cmd
}

func cancelCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pending or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := c.client().Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJob(c, job)
		},
	}
}

func deleteCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <job-id>",
		Short: "Cancel a job and remove it from the service once it has finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := c.client().Delete(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !job.Evicted && !c.jsonOutput() {
				fmt.Fprintf(c.out, "job %s is still stopping; run delete again once it has finished\n", job.ID)
			}
			return printJob(c, job)
		},
	}
}

func capabilitiesCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "capabilities",
		Short: "Show which analysis tools the service found and its free disk space",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			caps, err := c.client().Capabilities(cmd.Context())
			if err != nil {
				return err
			}
			if c.jsonOutput() {
				return writeJSON(c.out, caps)
			}
			renderCapabilities(c.out, caps)
			return nil
		},
	}
}

func archiveCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{Use: "archive", Short: "Inspect and prune archived jobs"}
	cmd.AddCommand(archiveListCmd(c), archiveGetCmd(c), archivePruneCmd(c))
	return cmd
}

func archiveListCmd(c *cli) *cobra.Command {
	var (
		state, instanceID string
		limit, offset     int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List archived jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := c.client().ArchiveList(cmd.Context(), state, instanceID, limit, offset)
			if err != nil {
				return err
			}
			if c.jsonOutput() {
				return writeJSON(c.out, list)
			}
			renderJobs(c.out, list.Jobs)
			return nil
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "only jobs that ended in this state")
	cmd.Flags().StringVar(&instanceID, "instance-id", "", "only jobs for this instance")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of jobs")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of jobs to skip")
	return cmd
}

func archiveGetCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show an archived job with its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := c.client().ArchiveGet(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if c.jsonOutput() {
				return writeJSON(c.out, job)
			}
			view := &jobView{Job: *job, HasResult: job.Result != nil, HasPartialResult: job.PartialResult != nil, Evicted: true}
			renderJob(c.out, view)
			if job.Result != nil {
				return renderResult(c.out, job.Result)
			}
			return nil
		},
	}
}

func printJob(c *cli, job *jobView) error {
	if job == nil {
		return errors.New("empty response")
	}
	if c.jsonOutput() {
		return writeJSON(c.out, job)
	}
	renderJob(c.out, job)
	return nil
}
