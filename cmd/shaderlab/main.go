// Command shaderlab runs WGSL compute shaders headlessly, with hot reload
// and buffer dumps.
package main

import (
	"fmt"
	"os"

	_ "github.com/gogpu/wgpu/hal/allbackends"

	"github.com/gogpu/shaderlab/cmd/shaderlab/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
