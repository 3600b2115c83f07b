package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var version = "dev"

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "dopilot",
		Short: "Multi-agent code generation pipeline",
		Long: `dopilot turns a natural-language project request into a set of
generated source files through a staged pipeline: planning, architecture,
file-by-file coding, security scanning with automated fixes, and a final
verification pass.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("config", "", "path to a YAML config file")
	root.PersistentFlags().String("model", "", "model to use for completions")
	root.PersistentFlags().String("base-url", "", "provider API base URL")
	_ = viper.BindPFlag("config", root.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("model", root.PersistentFlags().Lookup("model"))
	_ = viper.BindPFlag("base_url", root.PersistentFlags().Lookup("base-url"))

	root.AddCommand(newRunCommand())
	return root
}
