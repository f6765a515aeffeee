/*
tablewriter.go

MIT License

Copyright (c) Foxglove Technologies Inc

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in all
copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
SOFTWARE.
*/

/*
 Adapted from https://github.com/foxglove/foxglove-cli/blob/main/foxglove/util/tablewriter/tablewriter.go
*/

package util

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"
)

// DefaultTermWidth is used when the terminal width is unknown.
const DefaultTermWidth = 80

func cellWidths(headers []string, data [][]string) (int, []int) {
	widths := make([]int, len(headers))
	for i, header := range headers {
		widths[i] = utf8.RuneCountInString(header) + 4
	}
	for _, row := range data {
		for i, column := range row {
			if w := utf8.RuneCountInString(column) + 2; widths[i] < w {
				widths[i] = w
			}
		}
	}
	// headers are centered
	for i, header := range headers {
		if (widths[i]-utf8.RuneCountInString(header))%2 == 1 {
			widths[i]++
		}
	}
	total := len(headers) + 1
	for _, width := range widths {
		total += width
	}
	return total, widths
}

/*
printRows outputs a table of records formatted like this:
|   Topic   | Records |  Bytes   |
|-----------|---------|----------|
| weather   | 1200    | 81 KB    |
| audio     | 30      | 4 KB     |
*/
func printRows(w io.Writer, headers []string, data [][]string) {
	_, widths := cellWidths(headers, data)
	fmt.Fprint(w, "|")
	for i, header := range headers {
		padding := strings.Repeat(" ", (widths[i]-utf8.RuneCountInString(header))/2)
		fmt.Fprintf(w, "%s%s%s|", padding, header, padding)
	}
	fmt.Fprintln(w)
	fmt.Fprint(w, "|")
	for _, width := range widths {
		fmt.Fprint(w, strings.Repeat("-", width)+"|")
	}
	fmt.Fprintln(w)
	for _, row := range data {
		fmt.Fprint(w, "|")
		for i, col := range row {
			fmt.Fprintf(w, " %s%s|", col, strings.Repeat(" ", widths[i]-utf8.RuneCountInString(col)-1))
		}
		fmt.Fprintln(w)
	}
}

/*
printRecords outputs one block per record, for tables too wide for the
terminal:

	-[ RECORD 1 ]+-----------------------------------
	Topic        | weather
	Records      | 1200
*/
func printRecords(w io.Writer, termWidth int, headers []string, data [][]string) {
	headerWidth := 0
	for _, header := range headers {
		headerWidth = max(headerWidth, len(header))
	}
	recordWidth := 0
	for _, row := range data {
		for _, col := range row {
			recordWidth = max(recordWidth, utf8.RuneCountInString(col))
		}
	}
	headerWidth = max(headerWidth, len(fmt.Sprintf("-[ RECORD %d ]", len(data))))
	extent := max(min(recordWidth+15, termWidth-headerWidth-1), 1)
	dashes := strings.Repeat("-", extent)
	for i, row := range data {
		title := fmt.Sprintf("-[ RECORD %d ]", i+1)
		fmt.Fprintf(w, "%s%s+%s\n", title, strings.Repeat("-", headerWidth-len(title)), dashes)
		for j, col := range row {
			fmt.Fprintf(w, "%-*s| %s\n", headerWidth, headers[j], col)
		}
	}
}

// TermWidth returns the width of the terminal from the COLUMNS variable.
func TermWidth() int {
	if cols, err := strconv.Atoi(os.Getenv("COLUMNS")); err == nil && cols > 0 {
		return cols
	}
	return DefaultTermWidth
}

// PrintTable prints rows under headers, switching to one block per record if
// the table is wider than termWidth.
func PrintTable(w io.Writer, termWidth int, headers []string, data [][]string) {
	tableWidth, _ := cellWidths(headers, data)
	if termWidth < tableWidth {
		printRecords(w, termWidth, headers, data)
		return
	}
	printRows(w, headers, data)
}
