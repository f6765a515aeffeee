package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wkalt/tapecache/config"
	"github.com/wkalt/tapecache/util/log"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "tapecache",
	Short: "Durable buffering and upload of sensor data",
}

// Execute runs the command line.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func bailf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func checkErr(err error) {
	if err != nil {
		bailf("error: %v", err)
	}
}

// loadConfig reads the configuration and sets up logging from it. The
// --log-level flag takes precedence over the file.
func loadConfig() config.Config {
	c, err := config.Load(configPath)
	checkErr(err)
	if logLevel != "" {
		c.Log.Level = logLevel
	}
	level, err := log.ParseLevel(c.Log.Level)
	checkErr(err)
	log.Setup(os.Stderr, level, c.Log.JSON)
	return c
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "configuration file")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (debug, info, warn, error)")
}
