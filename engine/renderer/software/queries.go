package software

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/loov/hrtime"
	"github.com/spaghettifunk/anima-gpu/engine/core"
	"github.com/spaghettifunk/anima-gpu/engine/renderer/metadata"
)

type queryHeap struct {
	queryType metadata.QueryType
	results   []uint64
}

// activeQuery is an occlusion query between begin and end in one command buffer.
type activeQuery struct {
	heap  *queryHeap
	index uint32
}

func (s *SoftwareBackend) CreateQueryHeap(queryType metadata.QueryType, count uint32) (metadata.NativeHandle, error) {
	if count == 0 {
		return metadata.NullHandle, errors.Mark(errors.New("query heap with no queries"), core.ErrCreationFailed)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lost {
		return metadata.NullHandle, errors.Wrap(core.ErrDeviceLost, "creating query heap")
	}
	h := s.newHandle()
	s.queryHeaps[h] = &queryHeap{queryType: queryType, results: make([]uint64, count)}
	return h, nil
}

// TimestampFrequency is 1 GHz: timestamps are hrtime nanoseconds.
func (s *SoftwareBackend) TimestampFrequency() uint64 {
	return 1_000_000_000
}

// query resolves heap and checks [first, first+count). Runs with the lock held.
func (x *executor) query(heap metadata.NativeHandle, first, count uint32, what string) (*queryHeap, bool) {
	q, ok := x.s.queryHeaps[heap]
	if !ok || !inRange(uint64(first), uint64(count), uint64(len(q.results))) {
		core.LogError("software: %s on queries [%d, +%d) of query heap %d", what, first, count, heap)
		return nil, false
	}
	return q, true
}

func (s *SoftwareBackend) CmdResetQueries(cmd metadata.NativeHandle, heap metadata.NativeHandle, first, count uint32) {
	s.record(cmd, "query reset", func(x *executor) {
		if q, ok := x.query(heap, first, count, "reset"); ok {
			clear(q.results[first : first+count])
		}
	})
}

func (s *SoftwareBackend) CmdBeginQuery(cmd metadata.NativeHandle, heap metadata.NativeHandle, index uint32) {
	s.record(cmd, "query begin", func(x *executor) {
		q, ok := x.query(heap, index, 1, "begin")
		if !ok || q.queryType == metadata.QueryTimestamp {
			return
		}
		q.results[index] = 0
		x.queries = append(x.queries, activeQuery{heap: q, index: index})
	})
}

func (s *SoftwareBackend) CmdEndQuery(cmd metadata.NativeHandle, heap metadata.NativeHandle, index uint32) {
	s.record(cmd, "query end", func(x *executor) {
		q, ok := x.query(heap, index, 1, "end")
		if !ok {
			return
		}
		if q.queryType == metadata.QueryTimestamp {
			q.results[index] = uint64(hrtime.Now())
			return
		}
		for i, a := range x.queries {
			if a.heap == q && a.index == index {
				x.queries = append(x.queries[:i], x.queries[i+1:]...)
				return
			}
		}
		core.LogError("software: query %d of heap %d ended without begin", index, heap)
	})
}

func (s *SoftwareBackend) CmdResolveQueries(cmd metadata.NativeHandle, heap metadata.NativeHandle, first, count uint32, dst metadata.NativeHandle, dstOffset uint64) {
	s.record(cmd, "query resolve", func(x *executor) {
		q, ok := x.query(heap, first, count, "resolve")
		if !ok {
			return
		}
		b, ok := x.s.buffers[dst]
		size := uint64(count) * metadata.QUERY_RESULT_SIZE
		if !ok || !inRange(dstOffset, size, uint64(len(b.data))) {
			core.LogError("software: query resolve of %d bytes out of range in buffer %d", size, dst)
			return
		}
		for i, v := range q.results[first : first+count] {
			binary.LittleEndian.PutUint64(b.data[dstOffset+uint64(i)*metadata.QUERY_RESULT_SIZE:], v)
		}
		x.copied(dst, heap, size)
	})
}

// countSamples credits a draw to every open occlusion query. Every vertex of every
// instance counts as one passing sample.
func (x *executor) countSamples(vertices, instances uint32) {
	samples := uint64(vertices) * uint64(instances)
	for _, a := range x.queries {
		if a.heap.queryType == metadata.QueryOcclusionBinary {
			if samples > 0 {
				a.heap.results[a.index] = 1
			}
			continue
		}
		a.heap.results[a.index] += samples
	}
}

func (s *SoftwareBackend) CmdSetViewports(cmd metadata.NativeHandle, viewports []metadata.Viewport) {
	vps := append([]metadata.Viewport(nil), viewports...)
	s.record(cmd, "viewports", func(x *executor) {
		x.viewports = vps
	})
}

func (s *SoftwareBackend) CmdSetScissors(cmd metadata.NativeHandle, rects []metadata.Rect) {
	rs := append([]metadata.Rect(nil), rects...)
	s.record(cmd, "scissors", func(x *executor) {
		x.scissors = rs
	})
}
