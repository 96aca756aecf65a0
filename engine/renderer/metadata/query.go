package metadata

/** @brief What a GPU query measures. */
type QueryType uint8

const (
	// Samples that passed the depth test between begin and end.
	QueryOcclusion QueryType = iota
	// 1 when any sample passed, 0 otherwise.
	QueryOcclusionBinary
	// GPU clock when the preceding work finished. Only End is recorded.
	QueryTimestamp
)

func (t QueryType) String() string {
	switch t {
	case QueryOcclusion:
		return "occlusion"
	case QueryOcclusionBinary:
		return "occlusion_binary"
	case QueryTimestamp:
		return "timestamp"
	}
	return "unknown"
}

// Size of one resolved query result.
const QUERY_RESULT_SIZE = 8

type Viewport struct {
	X, Y          float32
	Width, Height float32
	MinDepth      float32
	MaxDepth      float32
}

type Rect struct {
	X, Y          int32
	Width, Height uint32
}
