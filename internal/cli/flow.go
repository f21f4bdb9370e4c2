package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

// NewFlowCmd создаёт группу команд для управления flows.
func NewFlowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flow",
		Short: "Manage flows",
	}

	cmd.AddCommand(
		newFlowListCmd(clientFn, outputFn),
		newFlowCreateCmd(clientFn, outputFn),
		newFlowShowCmd(clientFn, outputFn),
		newFlowDeleteCmd(clientFn, outputFn),
		newFlowRunCmd(clientFn, outputFn),
	)
	cmd.AddCommand(newScheduleCmds(clientFn, outputFn)...)

	return cmd
}

var flowHeaders = []string{"ID", "NAME", "PIPELINE", "INTERVAL", "STATUS", "LAST_RUN"}

func flowRow(f FlowResponse) []string {
	return []string{
		f.ID,
		f.Name,
		f.PipelineID,
		f.Scheduling.Interval,
		f.Scheduling.Status,
		orDash(f.Scheduling.LastRunAt),
	}
}

func newFlowListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var pipelineID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List flows",
		RunE: func(cmd *cobra.Command, args []string) error {
			flows, err := clientFn().ListFlows(pipelineID)
			if err != nil {
				return err
			}

			rows := make([][]string, len(flows))
			for i, f := range flows {
				rows[i] = flowRow(f)
			}

			outputFn().Print(flowHeaders, rows, flows)
			return nil
		},
	}

	cmd.Flags().StringVar(&pipelineID, "pipeline-id", "", "Filter by pipeline ID")

	return cmd
}

func newFlowCreateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var req CreateFlowRequest
	var overridesFile string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new flow",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			if overridesFile != "" {
				data, err := os.ReadFile(overridesFile)
				if err != nil {
					return fmt.Errorf("failed to read overrides file: %w", err)
				}
				if err := json.Unmarshal(data, &req.HandlerOverrides); err != nil {
					return fmt.Errorf("overrides file is not valid JSON: %w", err)
				}
			}

			flow, err := clientFn().CreateFlow(req)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Flow created: %s", flow.ID))
			out.Print(flowHeaders, [][]string{flowRow(*flow)}, flow)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.PipelineID, "pipeline-id", "", "Pipeline ID (required)")
	cmd.Flags().StringVar(&req.Name, "name", "", "Flow name (required)")
	cmd.Flags().Int64Var(&req.UserID, "user-id", 0, "Owner user ID")
	cmd.Flags().StringVar(&req.Interval, "interval", "manual", "Schedule interval (see 'flow intervals')")
	cmd.Flags().BoolVar(&req.Activate, "activate", false, "Activate the schedule right away")
	cmd.Flags().StringVar(&overridesFile, "overrides-file", "", "JSON file with per-step settings overrides")
	_ = cmd.MarkFlagRequired("pipeline-id")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func newFlowShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show flow details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flow, err := clientFn().GetFlow(args[0])
			if err != nil {
				return err
			}

			outputFn().Print(flowHeaders, [][]string{flowRow(*flow)}, flow)
			return nil
		},
	}
}

func newFlowDeleteCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := clientFn().DeleteFlow(args[0]); err != nil {
				return err
			}

			outputFn().Success(fmt.Sprintf("Flow deleted: %s", args[0]))
			return nil
		},
	}
}

func newFlowRunCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "run ID",
		Short: "Run a flow now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			run, err := clientFn().RunFlow(args[0])
			if err != nil {
				return err
			}
			if !run.Success {
				return fmt.Errorf("flow not started: %s", run.Reason)
			}

			out.Success(fmt.Sprintf("Job created: %d", run.Job.ID))
			out.Print(jobHeaders, [][]string{jobRow(*run.Job)}, run)
			return nil
		},
	}
}

func formatSeconds(sec int64) string {
	return strconv.FormatInt(sec, 10) + "s"
}
