package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gogpu/shaderlab/compile"
)

func newCheckCmd() *cobra.Command {
	var uniforms []string

	cmd := &cobra.Command{
		Use:   "check FILE",
		Short: "Compile a shader and report diagnostics",
		Long: `Check preprocesses and validates a shader without opening a GPU.
Errors are printed as FILE:ROW:COL: MESSAGE.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mod, err := compileFile(cmd, args[0], uniforms)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			p := newPrinter()
			p.Fprintf(out, "%s: ok, %d entry points, %d bindings\n",
				args[0], len(mod.EntryPoints), len(mod.Bindings))
			for _, ep := range mod.EntryPoints {
				dispatch := "auto"
				if ep.Dispatch != nil {
					dispatch = fmt.Sprintf("%dx%dx%d", ep.Dispatch[0], ep.Dispatch[1], ep.Dispatch[2])
				}
				fmt.Fprintf(out, "  %-16s %-8s workgroup %dx%dx%d  dispatch %s  x%d\n",
					ep.Name, ep.Stage, ep.Workgroup[0], ep.Workgroup[1], ep.Workgroup[2], dispatch, ep.Repeat)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&uniforms, "uniform", "u", nil, "custom uniform names to declare")
	return cmd
}

// compileFile compiles the shader at path, printing a positioned
// diagnostic on failure.
func compileFile(cmd *cobra.Command, path string, uniforms []string) (*compile.Module, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pipe := compile.NewPipeline(newCompiler())
	pipe.SetUniforms(uniforms)
	mod, err := pipe.Compile(cmd.Context(), string(src))
	if err != nil {
		printDiagnostic(cmd.ErrOrStderr(), path, pipe.LastError())
		return nil, fmt.Errorf("%s: %w", path, compile.ErrCompile)
	}
	return mod, nil
}
