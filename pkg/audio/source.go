package audio

// Source is the capture capability consumed by the segmentation engine. It
// owns a single physical input device and yields fixed-size frames on demand.
//
// Read blocks until a full frame is available. It returns io.EOF when the
// stream ends normally (file-backed and test sources) and an error wrapping
// [ErrDevice] when the device fails. Implementations are driven from a single
// goroutine and need not be safe for concurrent use, except that Close may be
// called from another goroutine to unblock a pending Read.
type Source interface {
	// Open acquires the device. It must be called before Read.
	Open() error

	// Read returns the next frame.
	Read() (Frame, error)

	// Close releases the device. Calling Close more than once is safe.
	Close() error
}
