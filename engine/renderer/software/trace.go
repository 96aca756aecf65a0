package software

import (
	"hash/crc32"

	"github.com/spaghettifunk/anima-gpu/engine/renderer/metadata"
)

type TraceKind uint8

const (
	TraceSubmit TraceKind = iota
	TraceExecute
	TraceDraw
	TraceDispatch
	TraceCopy
	TraceInit
	TraceDestroy
)

func (k TraceKind) String() string {
	switch k {
	case TraceSubmit:
		return "submit"
	case TraceExecute:
		return "execute"
	case TraceDraw:
		return "draw"
	case TraceDispatch:
		return "dispatch"
	case TraceCopy:
		return "copy"
	case TraceInit:
		return "init"
	case TraceDestroy:
		return "destroy"
	}
	return "unknown"
}

/**
 * @brief One step of backend activity, in the order it happened.
 *
 * Submit: one per submitted batch, Value is the signal value.
 * Execute: one per command buffer when its batch runs, Value is the batch signal value.
 * Draw/Dispatch: Pipeline, push constants, bindings and the CRC32 of every bound buffer
 * range (vertex and index buffers included), Counts holds the draw or group counts.
 * Draws also carry the viewports and scissors in effect.
 * Copy: Handle is the destination, Source the source, Count[0] the byte count. Query
 * resolves are traced as copies with the query heap as Source.
 * Destroy: ResourceKind and Handle of the destroyed object.
 */
type TraceEvent struct {
	Seq   uint64
	Kind  TraceKind
	Queue metadata.QueueType
	Cmd   metadata.NativeHandle
	Value uint64

	Handle       metadata.NativeHandle
	Source       metadata.NativeHandle
	ResourceKind metadata.ResourceKind

	Pipeline      metadata.NativeHandle
	PushConstants []byte
	Bindings      metadata.BindingTable
	Checksums     map[metadata.NativeHandle]uint32
	Counts        [4]uint32
	Viewports     []metadata.Viewport
	Scissors      []metadata.Rect
}

// Trace returns a copy of the events recorded so far.
func (s *SoftwareBackend) Trace() []TraceEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TraceEvent(nil), s.trace...)
}

func (s *SoftwareBackend) ClearTrace() {
	s.mu.Lock()
	s.trace = nil
	s.mu.Unlock()
}

func (s *SoftwareBackend) traceLocked(ev TraceEvent) {
	s.seq++
	ev.Seq = s.seq
	s.trace = append(s.trace, ev)
}

// Filter returns the events of the given kind.
func Filter(events []TraceEvent, kind TraceKind) []TraceEvent {
	var out []TraceEvent
	for _, ev := range events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// region returns the bytes of an entry's bound range. Size 0 means up to the end.
func region(data []byte, offset, size uint64) []byte {
	if offset >= uint64(len(data)) {
		return nil
	}
	end := uint64(len(data))
	if size > 0 && size < end-offset {
		end = offset + size
	}
	return data[offset:end]
}

// inRange reports whether [offset, offset+size) fits in limit bytes.
func inRange(offset, size, limit uint64) bool {
	return size <= limit && offset <= limit-size
}

func checksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}
