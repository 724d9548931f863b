package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

// versionCmd creates the version command
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run:   cmdVersion,
	}
}

// cmdVersion is the handler for the version command
func cmdVersion(cmd *cobra.Command, args []string) {
	fmt.Fprintf(os.Stdout, "%s\n", BuildDetails())
	if commit != "" {
		fmt.Fprintf(os.Stdout, "commit: %s\n", commit)
	}
	if date != "" {
		fmt.Fprintf(os.Stdout, "built:  %s\n", date)
	}
	fmt.Fprintf(os.Stdout, "go:     %s %s/%s\n",
		runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
