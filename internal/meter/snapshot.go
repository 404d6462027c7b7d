// Package meter implements the Modbus-RTU master that polls the physical
// three-phase meter (spec components B and C): an immutable register-image
// snapshot, and a resilient reader that owns the meter-facing serial port.
package meter

// ImageLen is the reader's working register-image length (spec invariant:
// a snapshot's image never shrinks below this length).
const ImageLen = 400

// Snapshot is an immutable pair of a raw register image and the epoch-ms
// timestamp it was acquired at. AcquiredAtMs == 0 means "never acquired".
// It is a value type: copying it copies only the slice header, so copies
// share one image. The reader copies the image once when it publishes a
// snapshot and never writes to it afterwards, so concurrent readers see a
// stable image as long as they do not modify it.
type Snapshot struct {
	Image        []uint16
	AcquiredAtMs int64
}

// newSnapshot returns a snapshot holding an independent copy of image.
func newSnapshot(image []uint16, acquiredAtMs int64) Snapshot {
	cp := make([]uint16, len(image))
	copy(cp, image)
	return Snapshot{Image: cp, AcquiredAtMs: acquiredAtMs}
}

// Age returns now - AcquiredAtMs, or a very large value if the snapshot
// was never acquired.
func (s Snapshot) Age(nowMs int64) int64 {
	if s.AcquiredAtMs == 0 {
		return 1<<62 - 1
	}
	return nowMs - s.AcquiredAtMs
}
