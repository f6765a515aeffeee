package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/wkalt/tapecache/cli/util"
	"github.com/wkalt/tapecache/config"
	"github.com/wkalt/tapecache/plugin"
	"github.com/wkalt/tapecache/service"
	"github.com/wkalt/tapecache/submitter"
	"github.com/wkalt/tapecache/util/log"
)

var (
	simulateDataDir  string
	simulateDuration time.Duration
	simulateInterval time.Duration
	simulateSources  int
	simulateUser     string
)

// simulationConfig is the configuration of a dry run: synthetic sources
// uploading to an in-memory sender.
func simulationConfig(dir string, sources int, interval time.Duration, user string) config.Config {
	c := config.Default()
	c.DataDir = dir
	c.Metrics.Listen = ""
	c.Cache.CommitRate = time.Second
	c.Submitter = submitter.DefaultConfiguration(user)
	c.Submitter.UploadRate = 2 * time.Second
	c.Sender.Kind = config.SenderMemory
	for i := range sources {
		c.Plugins.Synthetic = append(c.Plugins.Synthetic, plugin.SyntheticConfig{
			Name:     fmt.Sprintf("synthetic-%d", i),
			SourceID: fmt.Sprintf("simulated-%d", i),
			Interval: interval,
		})
	}
	return c
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run synthetic sources through the pipeline into memory",
	Run: func(*cobra.Command, []string) {
		checkErr(util.EnsureDirectoryExists(simulateDataDir))
		c := simulationConfig(simulateDataDir, simulateSources, simulateInterval, simulateUser)
		if logLevel != "" {
			c.Log.Level = logLevel
		}
		level, err := log.ParseLevel(c.Log.Level)
		checkErr(err)
		log.Setup(os.Stderr, level, false)
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		ctx, cancel := context.WithTimeout(ctx, simulateDuration)
		defer cancel()

		svc := service.New(c)
		done := make(chan error, 1)
		go func() { done <- svc.Start(ctx) }()
		select {
		case <-svc.Ready():
		case err := <-done:
			bailf("failed to start: %s", err)
		}
		h := svc.Handler()
		checkErr(<-done)

		rows := [][]string{}
		for _, group := range h.Groups() {
			rows = append(rows, []string{
				group.TopicName(),
				strconv.FormatInt(h.RecordsSent(group.TopicName()), 10),
			})
		}
		util.PrintTable(os.Stdout, util.TermWidth(), []string{"Topic", "Uploaded"}, rows)
		fmt.Printf("Final status: %s\n", h.Status())
	},
}

func init() {
	rootCmd.AddCommand(simulateCmd)
	simulateCmd.Flags().StringVarP(&simulateDataDir, "data-dir", "d", "tapecache-simulation", "cache directory")
	simulateCmd.Flags().DurationVarP(&simulateDuration, "duration", "t", 10*time.Second, "how long to run")
	simulateCmd.Flags().DurationVarP(&simulateInterval, "interval", "i", 100*time.Millisecond, "interval between observations")
	simulateCmd.Flags().IntVarP(&simulateSources, "sources", "n", 1, "number of synthetic sources")
	simulateCmd.Flags().StringVarP(&simulateUser, "user", "u", "simulator", "user id of the observations")
}
