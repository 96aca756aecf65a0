package device

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/spaghettifunk/anima-gpu/engine/core"
	"github.com/spaghettifunk/anima-gpu/engine/renderer/metadata"
)

// Upper bound of viewports and scissor rects bound at once.
const VIEWPORT_MAX_COUNT = 16

/**
 * @brief A heap of GPU queries with a readback region per buffered frame. Results resolved
 * in frame F are readable with QueryRead once the frame slot comes around again, at
 * F + buffer count, without stalling.
 */
type QueryHeap struct {
	resource
	queryType metadata.QueryType
	count     uint32
	readback  *Buffer

	mu sync.Mutex
	// Per frame slot: frame of the last resolve + 1, and of the one before it. Zero when
	// the slot was never resolved.
	resolved [][2]uint64
}

func (q *QueryHeap) Type() metadata.QueryType { return q.queryType }
func (q *QueryHeap) Count() uint32            { return q.count }

// Release also releases the readback buffer.
func (q *QueryHeap) Release() {
	q.resource.Release()
	q.readback.Release()
}

func (q *QueryHeap) regionSize() uint64 {
	return uint64(q.count) * metadata.QUERY_RESULT_SIZE
}

// CreateQueryHeap creates count queries of queryType.
func (d *Device) CreateQueryHeap(queryType metadata.QueryType, count uint32, label string) (*QueryHeap, error) {
	if count == 0 {
		return nil, errors.Wrap(core.ErrCreationFailed, "query heap with no queries")
	}
	label = labelOr(label, "queries")
	native, err := d.backend.CreateQueryHeap(queryType, count)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "creating query heap %q", label), core.ErrCreationFailed)
	}
	nr := newNativeResource(metadata.ResourceKindQueryHeap, label)
	nr.native = native
	nr.size = uint64(count) * metadata.QUERY_RESULT_SIZE

	readback, err := d.CreateBuffer(&gputypes.BufferDescriptor{
		Label: label + "-readback",
		Size:  nr.size * uint64(d.bufferCount),
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	}, nil)
	if err != nil {
		d.retire(nr)
		return nil, errors.Wrapf(err, "creating readback for query heap %q", label)
	}
	if readback.Mapped() == nil {
		readback.Release()
		d.retire(nr)
		return nil, errors.Wrapf(core.ErrCreationFailed, "readback for query heap %q is not host visible", label)
	}

	q := &QueryHeap{
		queryType: queryType,
		count:     count,
		readback:  readback,
		resolved:  make([][2]uint64, d.bufferCount),
	}
	track(d, &q.resource, q, nr)
	return q, nil
}

// TimestampFrequency is the number of timestamp ticks per second.
func (d *Device) TimestampFrequency() uint64 {
	return d.backend.TimestampFrequency()
}

// queryTarget resolves heap and checks that [first, first+count) lies inside it.
func (d *Device) queryTarget(heap *QueryHeap, first, count uint32, cmd CommandList) (*commandListRecord, metadata.NativeHandle, bool) {
	rec := d.record(cmd)
	if rec == nil {
		return nil, metadata.NullHandle, false
	}
	e, ok := d.entry(heap)
	if !ok || e.Resource.IsNull() {
		d.assert("query on a nil or released heap")
		return nil, metadata.NullHandle, false
	}
	if !inRange(uint64(first), uint64(count), uint64(heap.count)) {
		d.assert("queries [%d, +%d) outside heap %q of %d", first, count, heap.label, heap.count)
		return nil, metadata.NullHandle, false
	}
	return rec, e.Resource, true
}

// QueryReset clears count queries starting at first. Not allowed inside a render pass.
func (d *Device) QueryReset(heap *QueryHeap, first, count uint32, cmd CommandList) {
	rec, native, ok := d.queryTarget(heap, first, count, cmd)
	if !ok {
		return
	}
	if rec.renderPassActive {
		d.assert("query reset inside a render pass")
		return
	}
	d.backend.CmdResetQueries(rec.cmd(), native, first, count)
}

// QueryBegin opens an occlusion query. Timestamps only need QueryEnd.
func (d *Device) QueryBegin(heap *QueryHeap, index uint32, cmd CommandList) {
	rec, native, ok := d.queryTarget(heap, index, 1, cmd)
	if !ok || heap.queryType == metadata.QueryTimestamp {
		return
	}
	d.backend.CmdBeginQuery(rec.cmd(), native, index)
}

// QueryEnd closes an occlusion query or writes a timestamp.
func (d *Device) QueryEnd(heap *QueryHeap, index uint32, cmd CommandList) {
	rec, native, ok := d.queryTarget(heap, index, 1, cmd)
	if !ok {
		return
	}
	d.backend.CmdEndQuery(rec.cmd(), native, index)
}

// QueryResolve copies the results of [first, first+count) into the readback region of the
// current frame slot. Not allowed inside a render pass.
func (d *Device) QueryResolve(heap *QueryHeap, first, count uint32, cmd CommandList) {
	rec, native, ok := d.queryTarget(heap, first, count, cmd)
	if !ok {
		return
	}
	if rec.renderPassActive {
		d.assert("query resolve inside a render pass")
		return
	}
	e, ok := d.entry(heap.readback)
	if !ok {
		return
	}
	slot := rec.slot
	offset := uint64(slot)*heap.regionSize() + uint64(first)*metadata.QUERY_RESULT_SIZE
	d.backend.CmdResolveQueries(rec.cmd(), native, first, count, e.Resource, offset)

	frame := d.GetFrameCount()
	heap.mu.Lock()
	if tags := &heap.resolved[slot]; tags[0] != frame+1 {
		tags[1], tags[0] = tags[0], frame+1
	}
	heap.mu.Unlock()
}

// QueryRead returns the results of [first, first+count) resolved the last time the
// current frame slot was used, along with the frame they were recorded in. ok is false
// until a resolve of an earlier frame reached this slot.
func (d *Device) QueryRead(heap *QueryHeap, first, count uint32) (values []uint64, frame uint64, ok bool) {
	if heap == nil || heap.IsReleased() || !inRange(uint64(first), uint64(count), uint64(heap.count)) {
		return nil, 0, false
	}
	current := d.GetFrameCount()
	slot := d.GetBufferIndex()

	heap.mu.Lock()
	tags := heap.resolved[slot]
	heap.mu.Unlock()
	// A resolve recorded this frame has not run yet; the region still holds the older one.
	tag := tags[0]
	if tag == current+1 {
		tag = tags[1]
	}
	if tag == 0 {
		return nil, 0, false
	}

	region := heap.readback.Mapped()[uint64(slot)*heap.regionSize():]
	values = make([]uint64, count)
	for i := range values {
		values[i] = binary.LittleEndian.Uint64(region[uint64(first+uint32(i))*metadata.QUERY_RESULT_SIZE:])
	}
	return values, tag - 1, true
}

// BindViewports sets the viewports of later draws in cmd. They survive render pass begins.
func (d *Device) BindViewports(viewports []metadata.Viewport, cmd CommandList) {
	rec := d.record(cmd)
	if rec == nil || len(viewports) == 0 {
		return
	}
	if len(viewports) > VIEWPORT_MAX_COUNT {
		d.assert("%d viewports exceed the limit of %d", len(viewports), VIEWPORT_MAX_COUNT)
		return
	}
	rec.viewports = append(rec.viewports[:0], viewports...)
	d.backend.CmdSetViewports(rec.cmd(), rec.viewports)
}

// BindScissorRects sets the scissor rects of later draws in cmd. They survive render pass
// begins.
func (d *Device) BindScissorRects(rects []metadata.Rect, cmd CommandList) {
	rec := d.record(cmd)
	if rec == nil || len(rects) == 0 {
		return
	}
	if len(rects) > VIEWPORT_MAX_COUNT {
		d.assert("%d scissor rects exceed the limit of %d", len(rects), VIEWPORT_MAX_COUNT)
		return
	}
	rec.scissors = append(rec.scissors[:0], rects...)
	d.backend.CmdSetScissors(rec.cmd(), rec.scissors)
}

// DownloadBuffer copies size bytes of src starting at offset back to the host. The copy
// runs on the copy queue and blocks until it completes; writes from command lists that
// are still in flight are not waited for.
func (d *Device) DownloadBuffer(src *Buffer, offset, size uint64) ([]byte, error) {
	e, ok := d.entry(src)
	if !ok || e.Resource.IsNull() {
		return nil, errors.Wrap(core.ErrInvalidHandle, "download source")
	}
	if size == 0 {
		return nil, nil
	}
	if !inRange(offset, size, e.Size) {
		return nil, errors.Newf("download of %d bytes at %d overflows buffer %q of %d bytes", size, offset, src.label, e.Size)
	}
	if m := src.Mapped(); m != nil && metadata.MemoryUsageFor(src.desc.Usage) == metadata.MemoryReadback {
		return append([]byte(nil), m[offset:offset+size]...), nil
	}

	readback, err := d.CreateBuffer(&gputypes.BufferDescriptor{
		Label: fmt.Sprintf("%s-download", src.label),
		Size:  size,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	}, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "creating download buffer for %q", src.label)
	}
	defer readback.Release()
	if readback.Mapped() == nil {
		return nil, errors.Wrapf(core.ErrUnsupported, "download buffer for %q is not host visible", src.label)
	}
	value, err := d.CopyBuffer(readback, 0, src, offset, size, NoCommandList)
	if err != nil {
		return nil, errors.Wrapf(err, "downloading %q", src.label)
	}
	if err := d.WaitUploadComplete(value); err != nil {
		return nil, errors.Wrapf(err, "waiting for download of %q", src.label)
	}
	return append([]byte(nil), readback.Mapped()...), nil
}

// DownloadResource downloads the whole contents of a buffer.
func (d *Device) DownloadResource(res Resource) ([]byte, error) {
	if isNil(res) {
		return nil, errors.Wrap(core.ErrInvalidHandle, "downloading a nil resource")
	}
	b, ok := res.(*Buffer)
	if !ok {
		return nil, errors.Wrapf(core.ErrUnsupported, "downloading %T", res)
	}
	return d.DownloadBuffer(b, 0, b.desc.Size)
}
