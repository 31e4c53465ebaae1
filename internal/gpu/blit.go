package gpu

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// blitter draws the screen texture onto a surface texture with a
// fullscreen triangle. The screen is rgba16float and the surface is
// usually an 8-bit format, so a texture copy cannot be used.
type blitter struct {
	device hal.Device
	format gputypes.TextureFormat

	shader     hal.ShaderModule
	layout     hal.BindGroupLayout
	pipeLayout hal.PipelineLayout
	pipeline   hal.RenderPipeline
	sampler    hal.Sampler

	// Bind group for the last source view.
	src   hal.TextureView
	group hal.BindGroup
}

func newBlitter(device hal.Device, format gputypes.TextureFormat) (*blitter, error) {
	b := &blitter{device: device, format: format}
	ok := false
	defer func() {
		if !ok {
			b.destroy()
		}
	}()

	var err error

	b.shader, err = device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  "blit_shader",
		Source: hal.ShaderSource{WGSL: blitShaderSource},
	})
	if err != nil {
		return nil, fmt.Errorf("create blit shader: %w", err)
	}

	b.layout, err = device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: "blit_bind_layout",
		Entries: []gputypes.BindGroupLayoutEntry{
			{
				Binding:    0,
				Visibility: gputypes.ShaderStageFragment,
				Texture: &gputypes.TextureBindingLayout{
					SampleType:    gputypes.TextureSampleTypeFloat,
					ViewDimension: gputypes.TextureViewDimension2D,
				},
			},
			{
				Binding:    1,
				Visibility: gputypes.ShaderStageFragment,
				Sampler:    &gputypes.SamplerBindingLayout{Type: gputypes.SamplerBindingTypeFiltering},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create blit bind layout: %w", err)
	}

	b.pipeLayout, err = device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            "blit_pipe_layout",
		BindGroupLayouts: []hal.BindGroupLayout{b.layout},
	})
	if err != nil {
		return nil, fmt.Errorf("create blit pipeline layout: %w", err)
	}

	b.pipeline, err = device.CreateRenderPipeline(&hal.RenderPipelineDescriptor{
		Label:       "blit_pipeline",
		Layout:      b.pipeLayout,
		Vertex:      hal.VertexState{Module: b.shader, EntryPoint: blitVertexEntry},
		Primitive:   gputypes.PrimitiveState{Topology: gputypes.PrimitiveTopologyTriangleList},
		Multisample: gputypes.DefaultMultisampleState(),
		Fragment: &hal.FragmentState{
			Module:     b.shader,
			EntryPoint: blitFragmentEntry,
			Targets: []gputypes.ColorTargetState{{
				Format:    format,
				WriteMask: gputypes.ColorWriteMaskAll,
			}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create blit pipeline: %w", err)
	}

	b.sampler, err = device.CreateSampler(&hal.SamplerDescriptor{
		Label:        "blit_sampler",
		AddressModeU: gputypes.AddressModeClampToEdge,
		AddressModeV: gputypes.AddressModeClampToEdge,
		AddressModeW: gputypes.AddressModeClampToEdge,
		MagFilter:    gputypes.FilterModeLinear,
		MinFilter:    gputypes.FilterModeLinear,
		MipmapFilter: gputypes.FilterModeNearest,
		LodMaxClamp:  32,
	})
	if err != nil {
		return nil, fmt.Errorf("create blit sampler: %w", err)
	}
	ok = true
	return b, nil
}

// bindGroup returns a group binding src. When src changed since the last
// call, the previous group is returned as stale for deferred destruction.
func (b *blitter) bindGroup(src hal.TextureView) (group, stale hal.BindGroup, err error) {
	if b.group != nil && b.src == src {
		return b.group, nil, nil
	}
	group, err = b.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:  "blit_bind",
		Layout: b.layout,
		Entries: []gputypes.BindGroupEntry{
			{Binding: 0, Resource: gputypes.TextureViewBinding{TextureView: src.NativeHandle()}},
			{Binding: 1, Resource: gputypes.SamplerBinding{Sampler: b.sampler.NativeHandle()}},
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create blit bind group: %w", err)
	}
	stale = b.group
	b.src, b.group = src, group
	return group, stale, nil
}

// encode records a render pass drawing group onto target.
func (b *blitter) encode(encoder hal.CommandEncoder, target hal.TextureView, group hal.BindGroup) {
	pass := encoder.BeginRenderPass(&hal.RenderPassDescriptor{
		Label: "present",
		ColorAttachments: []hal.RenderPassColorAttachment{{
			View:       target,
			LoadOp:     gputypes.LoadOpClear,
			StoreOp:    gputypes.StoreOpStore,
			ClearValue: gputypes.Color{R: 0, G: 0, B: 0, A: 1},
		}},
	})
	pass.SetPipeline(b.pipeline)
	pass.SetBindGroup(0, group, nil)
	pass.Draw(3, 1, 0, 0)
	pass.End()
}

func (b *blitter) destroy() {
	if b.group != nil {
		b.device.DestroyBindGroup(b.group)
		b.group = nil
	}
	if b.sampler != nil {
		b.device.DestroySampler(b.sampler)
		b.sampler = nil
	}
	if b.pipeline != nil {
		b.device.DestroyRenderPipeline(b.pipeline)
		b.pipeline = nil
	}
	if b.pipeLayout != nil {
		b.device.DestroyPipelineLayout(b.pipeLayout)
		b.pipeLayout = nil
	}
	if b.layout != nil {
		b.device.DestroyBindGroupLayout(b.layout)
		b.layout = nil
	}
	if b.shader != nil {
		b.device.DestroyShaderModule(b.shader)
		b.shader = nil
	}
}
