package commands

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/gogpu/shaderlab"
	"github.com/gogpu/shaderlab/compile"
	"github.com/gogpu/shaderlab/internal/logging"
	"github.com/gogpu/shaderlab/state"
)

const (
	statePollInterval = 10 * time.Millisecond
	readbackTimeout   = 10 * time.Second
)

type runOptions struct {
	frames    uint64
	duration  time.Duration
	watch     bool
	dump      string
	out       string
	stateFile string
	save      bool
	uniforms  map[string]string
	textures  map[string]string
}

func newRunCmd(a *app) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Run a shader headlessly",
		Long: `Run compiles FILE and plays it until the frame count or duration is
reached, or until interrupted. With --watch the file is recompiled on
every save and playback continues through compile errors.`,
		Example: `  shaderlab run life.wgsl --frames 600 --dump cells --out cells.bin
  shaderlab run flow.wgsl --watch -U speed=2 -T channel0=noise.png`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShader(cmd, a, args[0], opts)
		},
	}

	f := cmd.Flags()
	f.Uint64Var(&opts.frames, "frames", 60, "stop after this many frames (0 = no limit)")
	f.DurationVar(&opts.duration, "duration", 0, "stop after this long (0 = no limit)")
	f.BoolVarP(&opts.watch, "watch", "w", false, "recompile when FILE changes")
	f.StringVar(&opts.dump, "dump", "", "read back this buffer when done")
	f.StringVarP(&opts.out, "out", "o", "", "write the dumped buffer here instead of a hex dump")
	f.StringVar(&opts.stateFile, "state", "", "session file providing uniforms and textures")
	f.BoolVar(&opts.save, "save", false, "write the session back to --state when done")
	f.StringToStringVarP(&opts.uniforms, "uniform", "U", nil, "custom uniform NAME=VALUE")
	f.StringToStringVarP(&opts.textures, "texture", "T", nil, "texture channel CHANNEL=URI")
	return cmd
}

func runShader(cmd *cobra.Command, a *app, path string, opts runOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()

	bag, err := sessionBag(path, opts)
	if err != nil {
		return err
	}

	eng, err := newEngine(ctx, a.cfg, shaderlab.WithErrorHandler(func(err error) {
		reportFrameError(stderr, path, err)
	}))
	if err != nil {
		return err
	}
	defer eng.Close()

	if err := eng.Restore(ctx, bag); err != nil {
		if !errors.Is(err, compile.ErrCompile) {
			return err
		}
		printDiagnostic(stderr, path, eng.ParseError())
		if !opts.watch {
			return fmt.Errorf("%s: %w", path, compile.ErrCompile)
		}
	}

	if opts.watch {
		eng.SetHotReloadEnabled(true)
		go func() {
			err := watchFile(ctx, path, func() { reloadFile(eng, path, stderr) })
			if err != nil {
				logging.For("cli").Warn("watcher stopped", "error", err)
			}
		}()
	}

	start := time.Now()
	waitDone(ctx, eng, opts, start)
	eng.Pause()
	elapsed := time.Since(start)

	if opts.dump != "" {
		if err := dumpBuffer(ctx, eng, opts, stdout); err != nil {
			return err
		}
	}
	if opts.save && opts.stateFile != "" {
		if err := state.NewFileStore(opts.stateFile).Save(eng.Snapshot()); err != nil {
			return err
		}
	}

	st := eng.Stats()
	p := newPrinter()
	p.Fprintf(stderr, "%d frames in %v (%.1f fps), %d resources, %d bytes of GPU memory\n",
		eng.State().Frame, elapsed.Round(time.Millisecond), eng.FrameRate(),
		st.Resources.Buffers+st.Resources.Textures+st.Resources.Samplers, st.MemoryUsed)
	return nil
}

// sessionBag merges the state file, the shader file and command line
// overrides, in increasing precedence.
func sessionBag(path string, opts runOptions) (state.Bag, error) {
	var bag state.Bag
	if opts.stateFile != "" {
		loaded, err := state.NewFileStore(opts.stateFile).Load()
		switch {
		case err == nil:
			bag = loaded
		case errors.Is(err, state.ErrNotFound):
		default:
			return bag, err
		}
	}

	src, err := os.ReadFile(path)
	if err != nil {
		return bag, err
	}
	bag.Source = string(src)

	for name, raw := range opts.uniforms {
		v, err := strconv.ParseFloat(raw, 32)
		if err != nil {
			return bag, fmt.Errorf("uniform %s: %w", name, err)
		}
		if bag.Uniforms == nil {
			bag.Uniforms = make(map[string]float32)
		}
		bag.Uniforms[name] = float32(v)
	}
	for ch, uri := range opts.textures {
		if bag.Textures == nil {
			bag.Textures = make(map[string]string)
		}
		bag.Textures[ch] = uri
	}
	return bag, nil
}

// waitDone blocks until a stop condition holds.
func waitDone(ctx context.Context, eng *shaderlab.Engine, opts runOptions, start time.Time) {
	ticker := time.NewTicker(statePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if opts.frames > 0 && eng.State().Frame >= opts.frames {
				return
			}
			if opts.duration > 0 && time.Since(start) >= opts.duration {
				return
			}
		}
	}
}

func reloadFile(eng *shaderlab.Engine, path string, stderr io.Writer) {
	src, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", path, err)
		return
	}
	// Errors of deferred reloads arrive through the error handler.
	if err := eng.SetSource(string(src)); err != nil {
		printDiagnostic(stderr, path, eng.ParseError())
	}
}

func reportFrameError(w io.Writer, path string, err error) {
	var cerr *compile.Error
	if errors.As(err, &cerr) {
		printDiagnostic(w, path, cerr.ParseError)
		return
	}
	fmt.Fprintf(w, "%s: %v\n", path, err)
}

func dumpBuffer(ctx context.Context, eng *shaderlab.Engine, opts runOptions, stdout io.Writer) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), readbackTimeout)
	defer cancel()
	data, err := eng.ReadBuffer(ctx, opts.dump)
	if err != nil {
		return err
	}
	if opts.out != "" {
		return os.WriteFile(opts.out, data, 0o644) //nolint:gosec // user output file
	}
	_, err = io.WriteString(stdout, hex.Dump(data))
	return err
}
