package core

import (
	"testing"
	"time"
)

type listener struct {
	name string
}

func TestEventBusDispatch(t *testing.T) {
	bus := NewEventBus()
	a, b := &listener{"a"}, &listener{"b"}
	var calls []string
	handler := func(handled bool) FnOnEvent {
		return func(code SystemEventCode, sender interface{}, l interface{}, data EventContext) bool {
			calls = append(calls, l.(*listener).name)
			return handled
		}
	}

	if !bus.Register(EVENT_CODE_APPLICATION_QUIT, a, handler(false)) {
		t.Fatal("Register(a) failed")
	}
	if bus.Register(EVENT_CODE_APPLICATION_QUIT, a, handler(false)) {
		t.Error("duplicate registration accepted")
	}
	if !bus.Register(EVENT_CODE_APPLICATION_QUIT, b, handler(true)) {
		t.Fatal("Register(b) failed")
	}

	if !bus.Fire(EVENT_CODE_APPLICATION_QUIT, nil, EventContext{}) {
		t.Error("Fire not reported as handled")
	}
	if len(calls) != 2 || calls[0] != "a" || calls[1] != "b" {
		t.Errorf("calls = %v, want [a b]", calls)
	}

	if bus.Fire(EVENT_CODE_DEVICE_LOST, nil, EventContext{}) {
		t.Error("event without listeners reported handled")
	}

	if !bus.Unregister(EVENT_CODE_APPLICATION_QUIT, b) {
		t.Fatal("Unregister(b) failed")
	}
	if bus.Unregister(EVENT_CODE_APPLICATION_QUIT, b) {
		t.Error("second Unregister succeeded")
	}
	calls = nil
	if bus.Fire(EVENT_CODE_APPLICATION_QUIT, nil, EventContext{}) {
		t.Error("unhandled event reported handled")
	}
	if len(calls) != 1 {
		t.Errorf("calls = %v after unregistering b", calls)
	}
}

func TestEventBusHandledStopsPropagation(t *testing.T) {
	bus := NewEventBus()
	second := false
	bus.Register(EVENT_CODE_DEVICE_LOST, 1, func(SystemEventCode, interface{}, interface{}, EventContext) bool { return true })
	bus.Register(EVENT_CODE_DEVICE_LOST, 2, func(SystemEventCode, interface{}, interface{}, EventContext) bool {
		second = true
		return false
	})
	bus.Fire(EVENT_CODE_DEVICE_LOST, nil, EventContext{})
	if second {
		t.Error("listener after a handler that returned true was called")
	}
}

func TestEventBusRejects(t *testing.T) {
	bus := NewEventBus()
	noop := func(SystemEventCode, interface{}, interface{}, EventContext) bool { return false }
	if bus.Register(-1, 1, noop) || bus.Register(MAX_MESSAGE_CODES, 1, noop) {
		t.Error("out of range code accepted")
	}
	if bus.Register(EVENT_CODE_APPLICATION_QUIT, 1, nil) {
		t.Error("nil callback accepted")
	}
}

func TestEventBusContextAndShutdown(t *testing.T) {
	bus := NewEventBus()
	var got EventContext
	bus.Register(EVENT_CODE_DESCRIPTOR_HEAP_EXHAUSTED, 1, func(_ SystemEventCode, _ interface{}, _ interface{}, data EventContext) bool {
		got = data
		return true
	})
	ctx := EventContext{}
	ctx.Data.U32[0] = 3
	ctx.Data.U32[1] = 256
	bus.Fire(EVENT_CODE_DESCRIPTOR_HEAP_EXHAUSTED, nil, ctx)
	if got.Data.U32[0] != 3 || got.Data.U32[1] != 256 {
		t.Errorf("context = %+v", got.Data.U32)
	}

	bus.Shutdown()
	if bus.Fire(EVENT_CODE_DESCRIPTOR_HEAP_EXHAUSTED, nil, ctx) {
		t.Error("listener survived Shutdown")
	}
}

func TestFrameMetrics(t *testing.T) {
	m := NewFrameMetrics()
	for i := 0; i < int(AVG_COUNT); i++ {
		m.Update(0.002)
	}
	if m.TotalFrames() != uint64(AVG_COUNT) {
		t.Errorf("TotalFrames = %d", m.TotalFrames())
	}
	if ms := m.FrameTime(); ms < 1.999 || ms > 2.001 {
		t.Errorf("FrameTime = %f ms, want 2", ms)
	}
	// 1.2 seconds at 2 ms per frame crosses the one second mark.
	for i := 0; i < 600; i++ {
		m.Update(0.002)
	}
	if fps := m.FPS(); fps < 490 || fps > 510 {
		t.Errorf("FPS = %f, want about 500", fps)
	}
}

func TestClock(t *testing.T) {
	c := NewClock()
	c.Update()
	if c.Elapsed() != 0 {
		t.Error("unstarted clock advanced")
	}
	c.Start()
	time.Sleep(2 * time.Millisecond)
	c.Update()
	first := c.Elapsed()
	if first <= 0 {
		t.Fatalf("Elapsed = %f after sleeping", first)
	}
	c.Stop()
	time.Sleep(2 * time.Millisecond)
	c.Update()
	if c.Elapsed() != first {
		t.Error("stopped clock advanced")
	}
}
