package main

import "github.com/spindex/spindex/cmd"

func main() {
	cmd.Execute()
}
