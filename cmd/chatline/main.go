package main

import (
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatline/cmd/chatline/cmds"
)

func main() {
	rootCmd := cmds.NewRootCommand()
	err := rootCmd.Execute()
	cobra.CheckErr(err)
}
