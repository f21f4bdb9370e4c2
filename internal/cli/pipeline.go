package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

// NewPipelineCmd создаёт группу команд для управления pipelines.
func NewPipelineCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Manage pipelines",
	}

	cmd.AddCommand(
		newPipelineListCmd(clientFn, outputFn),
		newPipelineCreateCmd(clientFn, outputFn),
		newPipelineValidateCmd(clientFn, outputFn),
		newPipelineShowCmd(clientFn, outputFn),
		newPipelineDeleteCmd(clientFn, outputFn),
	)

	return cmd
}

func pipelineRow(p PipelineResponse) []string {
	return []string{p.ID, p.Name, strconv.Itoa(len(p.Steps)), p.CreatedAt}
}

var pipelineHeaders = []string{"ID", "NAME", "STEPS", "CREATED"}

func newPipelineListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all pipelines",
		RunE: func(cmd *cobra.Command, args []string) error {
			pipelines, err := clientFn().ListPipelines()
			if err != nil {
				return err
			}

			rows := make([][]string, len(pipelines))
			for i, p := range pipelines {
				rows[i] = pipelineRow(p)
			}

			outputFn().Print(pipelineHeaders, rows, pipelines)
			return nil
		},
	}
}

// readDocument читает файл pipeline; "-" — stdin.
func readDocument(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file: %w", err)
	}
	return data, nil
}

func newPipelineCreateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a pipeline from a JSON or YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			doc, err := readDocument(cmd, file)
			if err != nil {
				return err
			}

			p, err := clientFn().CreatePipeline(doc)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Pipeline created: %s", p.ID))
			out.Print(pipelineHeaders, [][]string{pipelineRow(*p)}, p)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Path to pipeline file, - for stdin (required)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func newPipelineValidateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a pipeline file without saving it",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readDocument(cmd, file)
			if err != nil {
				return err
			}

			p, err := clientFn().ValidatePipeline(doc)
			if err != nil {
				return err
			}

			outputFn().Success(fmt.Sprintf("Pipeline %q is valid: %d steps", p.Name, len(p.Steps)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Path to pipeline file, - for stdin (required)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func newPipelineShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show pipeline steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := clientFn().GetPipeline(args[0])
			if err != nil {
				return err
			}

			headers := []string{"#", "ID", "TYPE", "HANDLER", "CONTINUE_ON_ERROR"}
			rows := make([][]string, len(p.Steps))
			for i, s := range p.Steps {
				rows[i] = []string{strconv.Itoa(i + 1), s.ID, s.Type, s.Handler, strconv.FormatBool(s.ContinueOnError)}
			}

			outputFn().Print(headers, rows, p)
			return nil
		},
	}
}

func newPipelineDeleteCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a pipeline and its flows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := clientFn().DeletePipeline(args[0]); err != nil {
				return err
			}

			outputFn().Success(fmt.Sprintf("Pipeline deleted: %s", args[0]))
			return nil
		},
	}
}
