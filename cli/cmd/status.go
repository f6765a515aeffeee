package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/wkalt/tapecache/cli/util"
	"github.com/wkalt/tapecache/client"
	ucore "github.com/wkalt/tapecache/util"
)

var serverURL string

func statusColor(s string) *color.Color {
	switch s {
	case "CONNECTED", "UPLOADING", "READY":
		return color.New(color.FgGreen)
	case "DISCONNECTED":
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed)
	}
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status and caches of a running service",
	Run: func(*cobra.Command, []string) {
		ctx := context.Background()
		c := client.New(serverURL)
		status, err := c.Status(ctx)
		checkErr(err)
		caches, err := c.Caches(ctx)
		checkErr(err)

		fmt.Printf("Server status: %s\n", statusColor(status.Status).Sprint(status.Status))
		if status.Connection != "" {
			fmt.Printf("Connection: %s\n", status.Connection)
		}
		for name, state := range status.Plugins {
			fmt.Printf("Plugin %s: %s\n", name, state)
		}
		rows := make([][]string, 0, len(caches))
		for _, summary := range caches {
			kind := "active"
			if summary.Deprecated {
				kind = "deprecated"
			}
			rows = append(rows, []string{
				summary.Topic,
				kind,
				strconv.FormatInt(summary.Records, 10),
				ucore.HumanBytes(uint64(summary.Bytes)),
				strconv.FormatInt(status.RecordsSent[summary.Topic], 10),
			})
		}
		util.PrintTable(os.Stdout, util.TermWidth(), []string{"Topic", "Cache", "Records", "Size", "Sent"}, rows)
	},
}

var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Trigger an upload cycle on a running service",
	Run: func(*cobra.Command, []string) {
		ctx := context.Background()
		checkErr(client.New(serverURL).Upload(ctx))
		fmt.Println("Upload complete")
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(uploadCmd)
	for _, cmd := range []*cobra.Command{statusCmd, uploadCmd} {
		cmd.Flags().StringVarP(&serverURL, "server-url", "s", "http://localhost:9464", "status server URL")
	}
}
