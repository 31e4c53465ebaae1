package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/gogpu/shaderlab/device"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "shaderlab %s\n", Version)
			fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "Backends: %v\n", device.Backends())
		},
	}
}
