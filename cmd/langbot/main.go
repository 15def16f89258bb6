// Command langbot runs the multi-platform chatbot gateway.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is injected at build time via -ldflags.
var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "langbot",
		Short:         "Multi-platform LLM chatbot gateway",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var configPath string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	serve.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the config file")
	root.AddCommand(serve)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
