package main

import "github.com/wkalt/tapecache/cli/cmd"

func main() {
	cmd.Execute()
}
