package cmd

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/jmorganca/stagediff/envconfig"
)

func ConfigHandler(cmd *cobra.Command, _ []string) error {
	if example, _ := cmd.Flags().GetBool("example"); example {
		fmt.Fprint(cmd.OutOrStdout(), envconfig.GenerateExampleConfig())
		return nil
	}

	if path := envconfig.ConfigPath(); path != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "config file: %s\n\n", path)
	}

	vars := envconfig.AsMap()
	values := envconfig.Values()

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	table := newTable(cmd.OutOrStdout(), "NAME", "VALUE", "DESCRIPTION")
	for _, k := range keys {
		table.Append([]string{k, values[k], vars[k].Description})
	}
	table.Render()
	return nil
}
