package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agusx1211/gonogo/internal/buildinfo"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), buildinfo.Current().String())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
