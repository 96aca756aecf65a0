package vulkan

import (
	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima-gpu/engine/core"
	"github.com/spaghettifunk/anima-gpu/engine/renderer/metadata"
)

/**
 * @brief Holds a Vulkan pipeline. The layout is shared by every pipeline and owned by
 * the backend.
 */
type VulkanPipeline struct {
	/** @brief The internal pipeline handle. */
	Handle vk.Pipeline
	/** @brief The pipeline layout. */
	PipelineLayout vk.PipelineLayout
	BindPoint      vk.PipelineBindPoint
}

func (pipeline *VulkanPipeline) Destroy(context *VulkanContext) {
	if pipeline.Handle != nil {
		vk.DestroyPipeline(context.Device.LogicalDevice, pipeline.Handle, context.Allocator)
		pipeline.Handle = nil
	}
}

func vkBindPoint(bindPoint metadata.PipelineBindPoint) vk.PipelineBindPoint {
	if bindPoint == metadata.BindPointCompute {
		return vk.PipelineBindPointCompute
	}
	return vk.PipelineBindPointGraphics
}

// sharedLayout returns the pipeline layout: set 0 is the binder set, sets 1 to 4 the
// bindless heaps, plus one push constant range visible to every stage. Heap kinds the
// device never created get a one slot placeholder.
func (vb *VulkanBackend) sharedLayout() (vk.PipelineLayout, error) {
	vb.layoutOnce.Do(func() {
		binder, err := newBinderLayout(vb.context)
		if err != nil {
			vb.layoutErr = err
			return
		}
		vb.binderLayout = binder

		setLayouts := []vk.DescriptorSetLayout{binder}
		vb.heapMu.Lock()
		for kind := metadata.BindlessKind(0); kind < metadata.BINDLESS_KIND_COUNT; kind++ {
			if vb.heaps[kind] == nil {
				heap, err := newDescriptorHeap(vb.context, kind, 1)
				if err != nil {
					vb.heapMu.Unlock()
					vb.layoutErr = err
					return
				}
				vb.heaps[kind] = heap
				vb.ownedHeaps = append(vb.ownedHeaps, heap)
			}
			setLayouts = append(setLayouts, vb.heaps[kind].Layout)
		}
		vb.heapMu.Unlock()

		createInfo := vk.PipelineLayoutCreateInfo{
			SType:                  vk.StructureTypePipelineLayoutCreateInfo,
			SetLayoutCount:         uint32(len(setLayouts)),
			PSetLayouts:            setLayouts,
			PushConstantRangeCount: 1,
			PPushConstantRanges: []vk.PushConstantRange{{
				StageFlags: vk.ShaderStageFlags(vk.ShaderStageAll),
				Offset:     0,
				Size:       metadata.MAX_PUSH_CONSTANT_SIZE,
			}},
		}
		var layout vk.PipelineLayout
		if res := vk.CreatePipelineLayout(vb.context.Device.LogicalDevice, &createInfo, vb.context.Allocator, &layout); res != vk.Success {
			vb.layoutErr = creationError(res, "vkCreatePipelineLayout")
			return
		}
		vb.pipelineLayout = layout
		core.LogDebug("Shared pipeline layout created.")
	})
	return vb.pipelineLayout, vb.layoutErr
}

// heapSets returns the bindless sets in set order. Only valid once sharedLayout succeeded.
func (vb *VulkanBackend) heapSets() []vk.DescriptorSet {
	vb.heapMu.Lock()
	defer vb.heapMu.Unlock()
	sets := make([]vk.DescriptorSet, metadata.BINDLESS_KIND_COUNT)
	for kind, heap := range vb.heaps {
		if heap == nil {
			return nil
		}
		sets[kind] = heap.Set
	}
	return sets
}

func (vb *VulkanBackend) CreatePipeline(desc *metadata.PipelineDesc) (metadata.NativeHandle, error) {
	layout, err := vb.sharedLayout()
	if err != nil {
		return metadata.NullHandle, errors.Wrap(err, "creating shared pipeline layout")
	}

	var pipeline *VulkanPipeline
	if desc.BindPoint() == metadata.BindPointCompute {
		pipeline, err = vb.newComputePipeline(layout, desc)
	} else {
		pipeline, err = vb.newGraphicsPipeline(layout, desc)
	}
	if err != nil {
		return metadata.NullHandle, errors.Wrapf(err, "pipeline %q", desc.Label)
	}
	return vb.insert(pipeline), nil
}

func shaderStageInfo(shader *VulkanShader) vk.PipelineShaderStageCreateInfo {
	return vk.PipelineShaderStageCreateInfo{
		SType:  vk.StructureTypePipelineShaderStageCreateInfo,
		Stage:  shader.Stage,
		Module: shader.Handle,
		PName:  VulkanSafeString(shader.EntryPoint),
	}
}

func (vb *VulkanBackend) newComputePipeline(layout vk.PipelineLayout, desc *metadata.PipelineDesc) (*VulkanPipeline, error) {
	shader, err := lookup[*VulkanShader](vb, desc.Compute)
	if err != nil {
		return nil, errors.Wrap(err, "compute shader")
	}
	createInfo := vk.ComputePipelineCreateInfo{
		SType:              vk.StructureTypeComputePipelineCreateInfo,
		Stage:              shaderStageInfo(shader),
		Layout:             layout,
		BasePipelineHandle: vk.NullPipeline,
		BasePipelineIndex:  -1,
	}
	pipelines := make([]vk.Pipeline, 1)
	if res := vk.CreateComputePipelines(vb.context.Device.LogicalDevice, vk.NullPipelineCache, 1,
		[]vk.ComputePipelineCreateInfo{createInfo}, vb.context.Allocator, pipelines); res != vk.Success {
		return nil, creationError(res, "vkCreateComputePipelines")
	}
	core.LogDebug("Compute pipeline %q created!", desc.Label)
	return &VulkanPipeline{Handle: pipelines[0], PipelineLayout: layout, BindPoint: vk.PipelineBindPointCompute}, nil
}

func (vb *VulkanBackend) newGraphicsPipeline(layout vk.PipelineLayout, desc *metadata.PipelineDesc) (*VulkanPipeline, error) {
	if len(desc.ColorFormats) > MAX_COLOR_ATTACHMENTS {
		return nil, errors.Wrapf(core.ErrUnsupported, "%d color attachments", len(desc.ColorFormats))
	}
	vertex, err := lookup[*VulkanShader](vb, desc.Vertex)
	if err != nil {
		return nil, errors.Wrap(err, "vertex shader")
	}
	stages := []vk.PipelineShaderStageCreateInfo{shaderStageInfo(vertex)}
	if !desc.Fragment.IsNull() {
		fragment, err := lookup[*VulkanShader](vb, desc.Fragment)
		if err != nil {
			return nil, errors.Wrap(err, "fragment shader")
		}
		stages = append(stages, shaderStageInfo(fragment))
	}

	// Pipelines only need a compatible render pass, so the load/store ops are irrelevant.
	key := renderPassKey{}
	for i, f := range desc.ColorFormats {
		format, ok := vb.context.Device.vkFormat(f)
		if !ok {
			return nil, errors.Wrapf(core.ErrUnsupported, "color format %v", f)
		}
		key.colors[i] = attachmentKey{format: format, load: vk.AttachmentLoadOpLoad, store: vk.AttachmentStoreOpStore}
	}
	key.colorCount = len(desc.ColorFormats)
	if desc.DepthFormat != gputypes.TextureFormatUndefined {
		format, ok := vb.context.Device.vkFormat(desc.DepthFormat)
		if !ok {
			return nil, errors.Wrapf(core.ErrUnsupported, "depth format %v", desc.DepthFormat)
		}
		key.depth = attachmentKey{format: format, load: vk.AttachmentLoadOpLoad, store: vk.AttachmentStoreOpStore}
	}
	renderPass, err := vb.renderPasses.get(vb.context, key)
	if err != nil {
		return nil, err
	}

	// Viewport and scissor are dynamic; the counts still have to be declared.
	viewportState := vk.PipelineViewportStateCreateInfo{
		SType:         vk.StructureTypePipelineViewportStateCreateInfo,
		ViewportCount: 1,
		ScissorCount:  1,
	}

	rasterizerCreateInfo := vk.PipelineRasterizationStateCreateInfo{
		SType:                   vk.StructureTypePipelineRasterizationStateCreateInfo,
		DepthClampEnable:        vk.False,
		RasterizerDiscardEnable: vk.False,
		PolygonMode:             vk.PolygonModeFill,
		LineWidth:               1.0,
		CullMode:                cullMode(desc.CullMode),
		FrontFace:               frontFace(desc.FrontFace),
		DepthBiasEnable:         vk.False,
	}

	multisamplingCreateInfo := vk.PipelineMultisampleStateCreateInfo{
		SType:                vk.StructureTypePipelineMultisampleStateCreateInfo,
		SampleShadingEnable:  vk.False,
		RasterizationSamples: vk.SampleCount1Bit,
		MinSampleShading:     1.0,
	}

	depthStencil := vk.PipelineDepthStencilStateCreateInfo{
		SType:             vk.StructureTypePipelineDepthStencilStateCreateInfo,
		DepthTestEnable:   vk.False,
		DepthWriteEnable:  vk.False,
		StencilTestEnable: vk.False,
	}
	if desc.DepthTest {
		depthStencil.DepthTestEnable = vk.True
		depthStencil.DepthCompareOp = compareOp(desc.DepthCompare)
	}
	if desc.DepthWrite {
		depthStencil.DepthWriteEnable = vk.True
	}

	writeMask := vk.ColorComponentFlags(vk.ColorComponentRBit) | vk.ColorComponentFlags(vk.ColorComponentGBit) |
		vk.ColorComponentFlags(vk.ColorComponentBBit) | vk.ColorComponentFlags(vk.ColorComponentABit)
	blendAttachments := make([]vk.PipelineColorBlendAttachmentState, len(desc.ColorFormats))
	for i := range blendAttachments {
		blendAttachments[i] = vk.PipelineColorBlendAttachmentState{
			BlendEnable:    vk.False,
			ColorWriteMask: writeMask,
		}
		if desc.Blend {
			blendAttachments[i] = vk.PipelineColorBlendAttachmentState{
				BlendEnable:         vk.True,
				SrcColorBlendFactor: vk.BlendFactorSrcAlpha,
				DstColorBlendFactor: vk.BlendFactorOneMinusSrcAlpha,
				ColorBlendOp:        vk.BlendOpAdd,
				SrcAlphaBlendFactor: vk.BlendFactorSrcAlpha,
				DstAlphaBlendFactor: vk.BlendFactorOneMinusSrcAlpha,
				AlphaBlendOp:        vk.BlendOpAdd,
				ColorWriteMask:      writeMask,
			}
		}
	}
	colorBlendStateCreateInfo := vk.PipelineColorBlendStateCreateInfo{
		SType:           vk.StructureTypePipelineColorBlendStateCreateInfo,
		LogicOpEnable:   vk.False,
		LogicOp:         vk.LogicOpCopy,
		AttachmentCount: uint32(len(blendAttachments)),
		PAttachments:    blendAttachments,
	}

	dynamicStates := []vk.DynamicState{
		vk.DynamicStateViewport,
		vk.DynamicStateScissor,
	}
	dynamicStateCreateInfo := vk.PipelineDynamicStateCreateInfo{
		SType:             vk.StructureTypePipelineDynamicStateCreateInfo,
		DynamicStateCount: uint32(len(dynamicStates)),
		PDynamicStates:    dynamicStates,
	}

	vertexInputInfo := vk.PipelineVertexInputStateCreateInfo{
		SType: vk.StructureTypePipelineVertexInputStateCreateInfo,
	}
	if desc.VertexStride > 0 {
		attributes := make([]vk.VertexInputAttributeDescription, 0, len(desc.VertexAttributes))
		for _, a := range desc.VertexAttributes {
			format, ok := vertexFormats[a.Format]
			if !ok {
				return nil, errors.Wrapf(core.ErrUnsupported, "vertex format %v", a.Format)
			}
			attributes = append(attributes, vk.VertexInputAttributeDescription{
				Location: a.ShaderLocation,
				Binding:  0,
				Format:   format,
				Offset:   uint32(a.Offset),
			})
		}
		vertexInputInfo.VertexBindingDescriptionCount = 1
		vertexInputInfo.PVertexBindingDescriptions = []vk.VertexInputBindingDescription{{
			Binding:   0,
			Stride:    uint32(desc.VertexStride),
			InputRate: vk.VertexInputRateVertex,
		}}
		vertexInputInfo.VertexAttributeDescriptionCount = uint32(len(attributes))
		vertexInputInfo.PVertexAttributeDescriptions = attributes
	}

	inputAssembly := vk.PipelineInputAssemblyStateCreateInfo{
		SType:                  vk.StructureTypePipelineInputAssemblyStateCreateInfo,
		Topology:               topology(desc.Topology),
		PrimitiveRestartEnable: vk.False,
	}

	pipelineCreateInfo := vk.GraphicsPipelineCreateInfo{
		SType:               vk.StructureTypeGraphicsPipelineCreateInfo,
		StageCount:          uint32(len(stages)),
		PStages:             stages,
		PVertexInputState:   &vertexInputInfo,
		PInputAssemblyState: &inputAssembly,
		PViewportState:      &viewportState,
		PRasterizationState: &rasterizerCreateInfo,
		PMultisampleState:   &multisamplingCreateInfo,
		PDepthStencilState:  &depthStencil,
		PColorBlendState:    &colorBlendStateCreateInfo,
		PDynamicState:       &dynamicStateCreateInfo,
		Layout:              layout,
		RenderPass:          renderPass,
		Subpass:             0,
		BasePipelineHandle:  vk.NullPipeline,
		BasePipelineIndex:   -1,
	}

	pipelines := make([]vk.Pipeline, 1)
	if err := vb.context.Locks.SafeCall(PipelineManagement, func() error {
		res := vk.CreateGraphicsPipelines(vb.context.Device.LogicalDevice, vk.NullPipelineCache, 1,
			[]vk.GraphicsPipelineCreateInfo{pipelineCreateInfo}, vb.context.Allocator, pipelines)
		return creationError(res, "vkCreateGraphicsPipelines")
	}); err != nil {
		return nil, err
	}
	core.LogDebug("Graphics pipeline %q created!", desc.Label)
	return &VulkanPipeline{Handle: pipelines[0], PipelineLayout: layout, BindPoint: vk.PipelineBindPointGraphics}, nil
}
