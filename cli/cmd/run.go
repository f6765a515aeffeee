package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/wkalt/tapecache/service"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the buffering and upload service",
	Run: func(*cobra.Command, []string) {
		ctx := context.Background()
		c := loadConfig()
		svc := service.New(c, service.WithSignals())
		if err := svc.Start(ctx); err != nil {
			bailf("Shutdown error: %s", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
