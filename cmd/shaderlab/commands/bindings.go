package commands

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gogpu/shaderlab/binding"
	"github.com/gogpu/shaderlab/compile"
)

func newBindingsCmd() *cobra.Command {
	var (
		uniforms []string
		user     bool
	)

	cmd := &cobra.Command{
		Use:   "bindings FILE",
		Short: "List the resources a shader binds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mod, err := compileFile(cmd, args[0], uniforms)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "GROUP\tBINDING\tNAME\tKIND\tTYPE\tACCESS")
			for _, b := range binding.Sorted(mod.Bindings) {
				if user && isBuiltin(b.Name) {
					continue
				}
				typ := b.Type
				if len(b.TypeArgs) > 0 {
					typ = fmt.Sprintf("%s<%s>", b.Type, strings.Join(b.TypeArgs, ", "))
				}
				fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\n",
					b.Group, b.Binding, b.Name, kindOf(b), typ, b.Access())
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringSliceVarP(&uniforms, "uniform", "u", nil, "custom uniform names to declare")
	cmd.Flags().BoolVar(&user, "user", false, "hide built-in bindings")
	return cmd
}

func isBuiltin(name string) bool {
	switch name {
	case compile.TimeName, compile.CustomName, compile.ScreenName,
		compile.Channel0Name, compile.Channel1Name,
		compile.NearestName, compile.BilinearName:
		return true
	}
	return false
}

func kindOf(b binding.ResourceBinding) string {
	switch {
	case b.IsUniform():
		return "uniform"
	case b.IsStorage():
		return "storage"
	case b.IsStorageTexture():
		return "storage texture"
	case b.IsTexture():
		return "texture"
	case b.IsSampler():
		return "sampler"
	default:
		return "other"
	}
}
