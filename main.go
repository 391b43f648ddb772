package main

import "github.com/bosley/whisperwire/cmd"

func main() {
	cmd.Execute()
}
