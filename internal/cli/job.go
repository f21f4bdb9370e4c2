package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewJobCmd создаёт группу команд для просмотра и управления jobs.
func NewJobCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect and manage jobs",
	}

	cmd.AddCommand(
		newJobListCmd(clientFn, outputFn),
		newJobStuckCmd(clientFn, outputFn),
		newJobShowCmd(clientFn, outputFn),
		newJobPacketsCmd(clientFn, outputFn),
		newJobRetryCmd(clientFn, outputFn),
		newJobFailCmd(clientFn, outputFn),
	)

	return cmd
}

var jobHeaders = []string{"ID", "FLOW_ID", "STATUS", "TRIGGER", "STEP", "CREATED"}

func jobRow(j JobResponse) []string {
	return []string{
		strconv.FormatInt(j.ID, 10),
		j.FlowID,
		j.Status,
		j.TriggerType,
		orDash(j.CurrentStepName),
		j.CreatedAt,
	}
}

func jobRows(jobs []JobResponse) [][]string {
	rows := make([][]string, len(jobs))
	for i, j := range jobs {
		rows[i] = jobRow(j)
	}
	return rows
}

func newJobListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var opts ListJobsOpts

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := clientFn().ListJobs(opts)
			if err != nil {
				return err
			}

			outputFn().Print(jobHeaders, jobRows(jobs), jobs)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.FlowID, "flow-id", "", "Filter by flow ID")
	cmd.Flags().StringVar(&opts.Status, "status", "", "Filter by status (pending, running, completed, completed_with_errors, completed_no_items, failed)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "Maximum number of results")

	return cmd
}

func newJobStuckCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "stuck",
		Short: "List jobs running longer than the stuck timeout",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := clientFn().ListStuckJobs()
			if err != nil {
				return err
			}

			outputFn().Print(jobHeaders, jobRows(jobs), jobs)
			return nil
		},
	}
}

func newJobShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show job details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			job, err := clientFn().GetJob(args[0])
			if err != nil {
				return err
			}

			out.Print(jobHeaders, [][]string{jobRow(*job)}, job)
			if d := job.ErrorDetails; d != nil {
				pairs := [][2]string{{"cause", d.Cause}, {"step", d.Step}, {"handler", d.Handler}}
				for _, e := range d.StepErrors {
					pairs = append(pairs, [2]string{"step " + e.Step, e.Message})
				}
				out.Details("Errors:", pairs)
			}
			return nil
		},
	}
}

func newJobPacketsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "packets ID",
		Short: "Show packets produced by a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			packets, err := clientFn().ListPackets(args[0])
			if err != nil {
				return err
			}

			headers := []string{"#", "TYPE", "SOURCE", "TITLE", "LAST_STEP"}
			rows := make([][]string, len(packets))
			for i, p := range packets {
				last := ""
				if len(p.History) > 0 {
					last = p.History[len(p.History)-1]
				}
				rows[i] = []string{strconv.Itoa(i), p.Type, orDash(p.SourceType), p.Title, orDash(last)}
			}

			outputFn().Print(headers, rows, packets)
			return nil
		},
	}
}

func newJobRetryCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "retry ID",
		Short: "Start a new job for the flow of a finished job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			job, err := clientFn().RetryJob(args[0])
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Job created: %d (retry of %s)", job.ID, args[0]))
			out.Print(jobHeaders, [][]string{jobRow(*job)}, job)
			return nil
		},
	}
}

func newJobFailCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "fail ID",
		Short: "Mark a stuck job as failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			job, err := clientFn().FailJob(args[0], reason)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Job %d marked failed", job.ID))
			out.Print(jobHeaders, [][]string{jobRow(*job)}, job)
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Failure reason recorded in error details")

	return cmd
}
