package main

import (
	"os"

	"git.home.luguber.info/inful/autobuild/cmd/autobuild/commands"
)

func main() {
	os.Exit(commands.Main(os.Args[1:]))
}
