package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ekliptik/qtrvsim/machine"
)

var configCmd = &cobra.Command{
	Use:   "config [file]",
	Short: "Write the default machine configuration",
	Long: `Config writes the default machine configuration as JSON, either to the
given file or to standard output. Edit the result and pass it to run with
--config.
`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		config := machine.DefaultConfig()
		if len(args) == 1 {
			return config.SaveConfig(args[0])
		}

		data, err := json.MarshalIndent(config, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to serialize machine config: %w", err)
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return err
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
