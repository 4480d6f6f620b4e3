package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "formkey",
	Short: "formkey issues single-use form tokens that stop scripted submissions",
	Long: `formkey protects HTML forms from clients that do not run page scripts.
Each page render gets a challenge whose key is fetched by script and posted
back with the form; keys are single-use and can enforce a minimum delay
between render and submit.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
