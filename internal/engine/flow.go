package engine

// flowWindow is a signed flow-control window: it may go negative when a
// SETTINGS_INITIAL_WINDOW_SIZE change shrinks it out from under
// already-sent bytes. Grounded on baranov1ch-http2's `flow` type
// (teacher_server_reference.go: newFlow/.add), kept as a small value type
// rather than the teacher's pointer-to-struct since nothing here needs
// sharing beyond the engine's own stream table.
type flowWindow struct {
	n int32
}

func newFlowWindow(initial int32) flowWindow {
	return flowWindow{n: initial}
}

// available returns the current window, which may be negative.
func (f flowWindow) available() int32 {
	return f.n
}

// add adjusts the window by delta (positive for WINDOW_UPDATE credit or a
// SETTINGS increase, negative for a SETTINGS decrease). It reports false
// if the result would overflow the protocol's maximum window size, which
// the caller must treat as a connection (for SETTINGS changes) or stream
// (for WINDOW_UPDATE) flow-control error.
func (f *flowWindow) add(delta int32) bool {
	const maxWindow = 1<<31 - 1
	sum := int64(f.n) + int64(delta)
	if sum > maxWindow {
		return false
	}
	f.n = int32(sum)
	return true
}

// consume subtracts n bytes once they have been sent.
func (f *flowWindow) consume(n int32) {
	f.n -= n
}
