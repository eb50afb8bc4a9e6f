package main

import (
	"fmt"
	"os"

	"github.com/go-go-golems/nano-chat/cmd/nano-chat/cmds"
)

func main() {
	if err := cmds.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
