package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newScheduleCmds создаёт подкоманды flow для управления расписанием.
func newScheduleCmds(clientFn func() *Client, outputFn func() *Output) []*cobra.Command {
	return []*cobra.Command{
		newFlowActivateCmd(clientFn, outputFn),
		newFlowDeactivateCmd(clientFn, outputFn),
		newFlowRescheduleCmd(clientFn, outputFn),
		newFlowNextRunCmd(clientFn, outputFn),
		newFlowIntervalsCmd(clientFn, outputFn),
	}
}

func newFlowActivateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "activate ID",
		Short: "Activate the flow schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			flow, err := clientFn().ActivateFlow(args[0])
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Flow %s: schedule %s (%s)", flow.ID, flow.Scheduling.Status, flow.Scheduling.Interval))
			out.Print(flowHeaders, [][]string{flowRow(*flow)}, flow)
			return nil
		},
	}
}

func newFlowDeactivateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate ID",
		Short: "Deactivate the flow schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			flow, err := clientFn().DeactivateFlow(args[0])
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Flow %s: schedule %s", flow.ID, flow.Scheduling.Status))
			out.Print(flowHeaders, [][]string{flowRow(*flow)}, flow)
			return nil
		},
	}
}

func newFlowRescheduleCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "reschedule ID INTERVAL",
		Short: "Change the flow schedule interval",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			flow, err := clientFn().RescheduleFlow(args[0], args[1])
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Flow %s rescheduled: %s", flow.ID, flow.Scheduling.Interval))
			out.Print(flowHeaders, [][]string{flowRow(*flow)}, flow)
			return nil
		},
	}
}

func newFlowNextRunCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "next-run ID",
		Short: "Show when the flow runs next",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			next, err := clientFn().NextRun(args[0])
			if err != nil {
				return err
			}

			outputFn().Print(
				[]string{"FLOW_ID", "SCHEDULED", "NEXT_RUN"},
				[][]string{{next.FlowID, fmt.Sprint(next.Scheduled), orDash(next.NextRunAt)}},
				next,
			)
			return nil
		},
	}
}

func newFlowIntervalsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "intervals",
		Short: "List supported schedule intervals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			intervals, err := clientFn().ListIntervals()
			if err != nil {
				return err
			}

			rows := make([][]string, len(intervals))
			for i, iv := range intervals {
				rows[i] = []string{iv.Slug, formatSeconds(iv.Seconds)}
			}

			outputFn().Print([]string{"INTERVAL", "PERIOD"}, rows, intervals)
			return nil
		},
	}
}
