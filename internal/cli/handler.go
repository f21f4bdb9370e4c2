package cli

import (
	"strings"

	"github.com/spf13/cobra"
)

// NewHandlerCmd создаёт команду просмотра обработчиков шагов.
func NewHandlerCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "handler",
		Short: "Inspect step handlers",
	}

	var typ string
	list := &cobra.Command{
		Use:   "list",
		Short: "List registered step handlers",
		RunE: func(cmd *cobra.Command, args []string) error {
			handlers, err := clientFn().ListHandlers(typ)
			if err != nil {
				return err
			}

			headers := []string{"TYPE", "SLUG", "SETTINGS", "LABEL"}
			rows := make([][]string, len(handlers))
			for i, h := range handlers {
				rows[i] = []string{h.Type, h.Slug, orDash(strings.Join(h.SettingsSchema, ",")), orDash(h.Label)}
			}

			outputFn().Print(headers, rows, handlers)
			return nil
		},
	}
	list.Flags().StringVar(&typ, "type", "", "Filter by step type (fetch, process, publish, update)")

	cmd.AddCommand(list)
	return cmd
}
