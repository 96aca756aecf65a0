package metadata

import "github.com/gogpu/gputypes"

// Push constant space guaranteed by every backend.
const MAX_PUSH_CONSTANT_SIZE = 128

/**
 * @brief Shader byte code for one stage. Code is SPIR-V for the Vulkan backend; the
 * software backend matches EntryPoint against its registered kernels.
 */
type ShaderDesc struct {
	Label      string
	Stage      gputypes.ShaderStage
	Code       []byte
	EntryPoint string
}

/**
 * @brief Backend-level pipeline description. Compute pipelines set Compute and leave the
 * graphics fields zero.
 */
type PipelineDesc struct {
	Label string

	Compute  NativeHandle
	Vertex   NativeHandle
	Fragment NativeHandle

	VertexStride     uint64
	VertexAttributes []gputypes.VertexAttribute

	Topology     gputypes.PrimitiveTopology
	CullMode     gputypes.CullMode
	FrontFace    gputypes.FrontFace
	DepthTest    bool
	DepthWrite   bool
	DepthCompare gputypes.CompareFunction
	Blend        bool

	ColorFormats []gputypes.TextureFormat
	DepthFormat  gputypes.TextureFormat
}

func (d *PipelineDesc) BindPoint() PipelineBindPoint {
	if !d.Compute.IsNull() {
		return BindPointCompute
	}
	return BindPointGraphics
}

type RenderPassAttachment struct {
	Texture NativeHandle
	Format  gputypes.TextureFormat
	LoadOp  gputypes.LoadOp
	StoreOp gputypes.StoreOp
}

type RenderPassBeginInfo struct {
	Color        []RenderPassAttachment
	Depth        *RenderPassAttachment
	Width        uint32
	Height       uint32
	ClearColor   gputypes.Color
	ClearDepth   float32
	ClearStencil uint32
}
