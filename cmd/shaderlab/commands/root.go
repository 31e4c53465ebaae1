// Package commands implements the shaderlab command line.
package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/gogpu/shaderlab"
	"github.com/gogpu/shaderlab/compile"
	"github.com/gogpu/shaderlab/internal/config"
)

// Version is set at build time with -ldflags "-X ...commands.Version=...".
var Version = "0.1.0-dev"

// Seams replaced by tests.
var (
	newCompiler = func() compile.Compiler { return compile.NagaCompiler{} }
	newEngine   = shaderlab.New
)

// app holds state shared by the subcommands of one invocation.
type app struct {
	cfgFile string
	verbose bool

	v   *viper.Viper
	cfg *config.Config
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().ExecuteContext(context.Background())
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "shaderlab",
		Short: "Run WGSL compute shaders",
		Long: `shaderlab compiles WGSL compute shaders, keeps their buffers and
textures alive across edits, and runs them frame by frame on the GPU.

Every shader gets built-in bindings in group 0: time, custom, screen,
channel0, channel1, nearest and bilinear.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd.ErrOrStderr())
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default is ./shaderlab.yaml)")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")
	flags.String("backend", "", "GPU backend: vulkan, metal, dx12, gl or empty")
	flags.Uint32("width", 0, "screen width in pixels")
	flags.Uint32("height", 0, "screen height in pixels")
	for key, name := range map[string]string{
		"device.backend": "backend",
		"device.width":   "width",
		"device.height":  "height",
	} {
		if err := a.v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}

	root.AddCommand(
		newRunCmd(a),
		newCheckCmd(),
		newBindingsCmd(),
		newVersionCmd(),
	)
	return root
}

// load reads configuration once flags are parsed and installs the logger.
func (a *app) load(logOut io.Writer) error {
	cfg, err := config.LoadWith(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	if a.verbose {
		cfg.Logging.Level = "debug"
	}
	a.cfg = cfg
	shaderlab.SetLogger(newLogger(logOut, cfg))
	return nil
}

func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// newPrinter formats numbers for the user's locale, from LC_ALL or LANG.
func newPrinter() *message.Printer {
	tag := language.English
	for _, env := range []string{"LC_ALL", "LANG"} {
		name, _, _ := strings.Cut(os.Getenv(env), ".")
		if name == "" || name == "C" || name == "POSIX" {
			continue
		}
		if t, err := language.Parse(name); err == nil {
			tag = t
			break
		}
	}
	return message.NewPrinter(tag)
}

// printDiagnostic writes pe in the file:row:col: message form editors
// understand.
func printDiagnostic(w io.Writer, path string, pe compile.ParseError) {
	if pe.Success {
		return
	}
	if pe.WholeDocument {
		fmt.Fprintf(w, "%s: %s\n", path, pe.Summary)
		return
	}
	fmt.Fprintf(w, "%s:%d:%d: %s\n", path, pe.Position.Row, pe.Position.Col, pe.Summary)
}
