package shaderlab

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/gogpu/shaderlab/compile"
	"github.com/gogpu/shaderlab/internal/gpu"
	"github.com/gogpu/shaderlab/internal/logging"
	"github.com/gogpu/shaderlab/loop"
	"github.com/gogpu/shaderlab/resource"
)

// frameTarget is the engine side of the playback loop. The controller
// calls it with its own lock held, one call at a time.
type frameTarget struct {
	e *Engine
}

var _ loop.Target = (*frameTarget)(nil)

func (t *frameTarget) PushUniforms() error {
	e := t.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.mod == nil {
		return nil
	}
	if e.stale {
		if err := e.applyLocked(e.mod); err != nil {
			return err
		}
	}
	return e.writeCustomLocked()
}

func (t *frameTarget) Reload() error {
	e := t.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	log := logging.For("engine")

	mod, err := e.comp.Compile(context.Background(), e.source)
	if err != nil {
		// Keep running the previous shader, resized if needed.
		if e.stale && e.mod != nil {
			if aerr := e.applyLocked(e.mod); aerr != nil {
				log.Warn("reconcile previous shader", "error", aerr)
			}
		}
		return err
	}
	if err := e.exec.Rebuild(mod); err != nil {
		return err
	}
	e.mod = mod
	if err := e.applyLocked(mod); err != nil {
		e.stale = true
		return err
	}
	log.Info("shader reloaded", "entryPoints", len(mod.EntryPoints), "bindings", len(mod.Bindings))
	return nil
}

func (t *frameTarget) Reset() error {
	e := t.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.lastReset = e.res.Reset(e.exec)
	logging.For("engine").Info("resources reset", "destroyed", len(e.lastReset.ToDestroy))
	if e.mod == nil {
		return nil
	}
	return e.applyLocked(e.mod)
}

func (t *frameTarget) Submit(f loop.Frame) error {
	e := t.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.mod == nil {
		return nil
	}
	if err := e.exec.WriteTime(e.res, f.Index, f.Time, f.Delta); err != nil {
		return err
	}
	w, h := e.dev.Size()
	return e.exec.Dispatch(e.res, gpu.Extent{Width: w, Height: h})
}

// applyLocked reconciles live resources with mod at the current screen
// and channel sizes, then refills what reconciliation may have replaced.
func (e *Engine) applyLocked(mod *compile.Module) error {
	w, h := e.dev.Size()
	channels := make(map[string]gpu.Extent, len(e.images))
	for ch, img := range e.images {
		b := img.Bounds()
		channels[ch] = gpu.Extent{Width: uint32(b.Dx()), Height: uint32(b.Dy())} //nolint:gosec // image sizes are small
	}

	desired, err := gpu.Describe(mod, gpu.Extent{Width: w, Height: h}, channels)
	if err != nil {
		return fmt.Errorf("shaderlab: describe resources: %w", err)
	}
	plan := e.res.Reconcile(desired, resource.Options{PreserveMissing: e.cfg.Loop.PreserveMissing})
	if err := e.res.Apply(plan, e.exec); err != nil {
		return fmt.Errorf("shaderlab: apply resources: %w", err)
	}
	for _, r := range plan.Unchanged {
		if b, ok := r.Kind.(resource.Buffer); ok && !r.Persistent && b.Usage != resource.BufferUniform {
			e.exec.Clear(r)
		}
	}
	e.lastPlan = plan
	logging.For("engine").Debug("resources reconciled", "plan", plan.String())

	var errs []error
	for ch, img := range e.images {
		b := img.Bounds()
		err := e.exec.UploadTexture(e.res, ch, img.Pix, uint32(b.Dx()), uint32(b.Dy())) //nolint:gosec // image sizes are small
		if err != nil && !errors.Is(err, resource.ErrUnknownResource) {
			errs = append(errs, fmt.Errorf("shaderlab: upload %s: %w", ch, err))
		}
	}
	if err := e.writeCustomLocked(); err != nil {
		errs = append(errs, err)
	}
	e.stale = false
	return errors.Join(errs...)
}

func (e *Engine) writeCustomLocked() error {
	members := compile.CustomMembers(slices.Collect(maps.Keys(e.uniforms)))
	return e.exec.WriteCustom(e.res, members, e.uniforms)
}
