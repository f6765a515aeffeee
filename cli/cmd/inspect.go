package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fatih/color"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/wkalt/tapecache/record"
	"github.com/wkalt/tapecache/tape"
	"github.com/wkalt/tapecache/util"
)

var inspectLimit int

// expandPatterns resolves glob patterns such as data/**/*.tape. Patterns
// without matches are reported as errors.
func expandPatterns(patterns []string) ([]string, error) {
	paths := []string{}
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %s: %w", pattern, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("no files match %s", pattern)
		}
		paths = append(paths, matches...)
	}
	return paths, nil
}

// readTopic loads the schemas stored beside a queue file. ok is false if
// either is missing.
func readTopic(path string) (record.Topic, bool, error) {
	base := strings.TrimSuffix(path, ".tape")
	schemas := make([]*record.Schema, 2)
	for i, ext := range []string{".key.schema", ".value.schema"} {
		data, err := os.ReadFile(base + ext)
		if errors.Is(err, os.ErrNotExist) {
			return record.Topic{}, false, nil
		}
		if err != nil {
			return record.Topic{}, false, fmt.Errorf("failed to read schema: %w", err)
		}
		if schemas[i], err = record.ParseSchema(string(data)); err != nil {
			return record.Topic{}, false, err
		}
	}
	return record.NewTopic(base, schemas[0], schemas[1]), true, nil
}

// inspectFile prints the elements of a queue file, decoded if its schemas
// are stored beside it. At most limit elements are printed if limit is
// positive.
func inspectFile(w io.Writer, path string, limit int) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	q, err := tape.Open(path, max(info.Size(), tape.DefaultMinimumFileSize))
	if err != nil {
		return err
	}
	defer q.Close()
	topic, decode, err := readTopic(path)
	if err != nil {
		return err
	}
	deserializer := record.NewDeserializer(topic, record.JSONCodec{})

	bold := color.New(color.Bold)
	red := color.New(color.FgRed)
	fmt.Fprintf(w, "%s: %d records, %s used of %s\n",
		bold.Sprint(path), q.Size(),
		util.HumanBytes(uint64(q.UsedBytes())), util.HumanBytes(uint64(q.FileSize())))
	errStop := errors.New("stop")
	err = q.Iterate(func(i int, data []byte) error {
		if limit > 0 && i >= limit {
			return errStop
		}
		if !decode {
			fmt.Fprintf(w, "  %d: %d bytes\n", i, len(data))
			return nil
		}
		r, err := deserializer.Deserialize(data)
		if err != nil {
			fmt.Fprintf(w, "  %d: %s\n", i, red.Sprintf("undecodable (%s)", err))
			return nil
		}
		key, err := json.Marshal(r.Key)
		if err != nil {
			return err
		}
		value, err := json.Marshal(r.Value)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "  %d: key=%s value=%s\n", i, key, value)
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return err
	}
	if limit > 0 && q.Size() > limit {
		fmt.Fprintf(w, "  ... %d more\n", q.Size()-limit)
	}
	return nil
}

var inspectCmd = &cobra.Command{
	Use:   "inspect [pattern...]",
	Short: "Print the records of cache queue files",
	Args:  cobra.MinimumNArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		paths, err := expandPatterns(args)
		checkErr(err)
		failed := false
		for _, path := range paths {
			if err := inspectFile(os.Stdout, path, inspectLimit); err != nil {
				fmt.Fprintln(os.Stderr, color.RedString("%s: %s", path, err))
				failed = true
			}
		}
		if failed {
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().IntVarP(&inspectLimit, "limit", "n", 0, "maximum records to print per file")
}
