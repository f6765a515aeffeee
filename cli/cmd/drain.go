package cmd

import (
	"context"
	"os"
	"os/signal"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/wkalt/tapecache/cli/util"
	"github.com/wkalt/tapecache/service"
)

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Upload every cached record and exit",
	Run: func(*cobra.Command, []string) {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		c := loadConfig()
		snd, err := service.NewSender(c.Sender)
		checkErr(err)
		results, err := service.Drain(ctx, c, snd)
		rows := make([][]string, 0, len(results))
		for _, r := range results {
			rows = append(rows, []string{r.Topic, strconv.FormatInt(r.Sent, 10), strconv.FormatInt(r.Remaining, 10)})
		}
		util.PrintTable(os.Stdout, util.TermWidth(), []string{"Topic", "Sent", "Remaining"}, rows)
		checkErr(err)
	},
}

func init() {
	rootCmd.AddCommand(drainCmd)
}
