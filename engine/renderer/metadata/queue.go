package metadata

// QueueType identifies one of the hardware execution queues.
type QueueType uint8

const (
	QueueGraphics QueueType = iota
	QueueCompute
	QueueCopy

	QUEUE_COUNT
)

// SubmitOrder is the fixed per-frame submission order: producers before consumers.
var SubmitOrder = [QUEUE_COUNT]QueueType{QueueCopy, QueueCompute, QueueGraphics}

func (q QueueType) String() string {
	switch q {
	case QueueGraphics:
		return "graphics"
	case QueueCompute:
		return "compute"
	case QueueCopy:
		return "copy"
	}
	return "unknown"
}

func (q QueueType) IsValid() bool {
	return q < QUEUE_COUNT
}

type PipelineBindPoint uint8

const (
	BindPointGraphics PipelineBindPoint = iota
	BindPointCompute
)

func (b PipelineBindPoint) String() string {
	if b == BindPointCompute {
		return "compute"
	}
	return "graphics"
}
