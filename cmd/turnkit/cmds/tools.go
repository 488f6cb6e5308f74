package cmds

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func NewToolsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect the built-in tools",
	}
	var schema bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List built-in tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := builtinTools()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, def := range reg.ListTools() {
				_, _ = fmt.Fprintf(w, "%s\t%s\n", def.Name, def.Description)
				if schema && def.Parameters != nil {
					b, err := json.MarshalIndent(def.Parameters, "  ", "  ")
					if err != nil {
						return err
					}
					_, _ = fmt.Fprintf(w, "  %s\n", b)
				}
			}
			return nil
		},
	}
	list.Flags().BoolVar(&schema, "schema", false, "Print each tool's parameter schema")
	cmd.AddCommand(list)
	return cmd
}
