package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/wkalt/tapecache/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init [file]",
	Short: "Write a default configuration file",
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		if _, err := os.Stat(args[0]); err == nil && !initForce {
			bailf("%s already exists, use --force to overwrite", args[0])
		}
		checkErr(config.Save(args[0], config.Default()))
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "overwrite an existing file")
}
