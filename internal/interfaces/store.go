package interfaces

// Store is the byte-addressed storage behind a namespace of the loop backend.
// This interface is intentionally similar to standard Go interfaces like
// io.ReaderAt and io.WriterAt for familiarity and composability.
type Store interface {
	// ReadAt reads len(p) bytes into p starting at offset off.
	// When ReadAt returns n < len(p), it returns a non-nil error explaining
	// why more bytes were not returned.
	//
	// Implementations must not retain p.
	ReadAt(p []byte, off int64) (n int, err error)

	// WriteAt writes len(p) bytes from p at offset off.
	// WriteAt must return a non-nil error if it returns n < len(p).
	//
	// Implementations must not retain p.
	WriteAt(p []byte, off int64) (n int, err error)

	// Size returns the size of the store in bytes.
	// This determines the namespace capacity reported by identify.
	Size() int64

	// Close closes the store and releases any resources.
	Close() error

	// Flush flushes any cached writes to stable storage.
	// This is called for NVMe flush commands.
	Flush() error
}

// DiscardStore is an optional interface for stores that can deallocate
// ranges (DSM deallocate).
type DiscardStore interface {
	Store

	// Discard deallocates the given byte range. Deallocated ranges read as zeros.
	Discard(offset, length int64) error
}

// WriteZeroesStore is an optional interface for efficient zero-writing.
type WriteZeroesStore interface {
	Store

	// WriteZeroes writes zeros to the given byte range without a data buffer.
	WriteZeroes(offset, length int64) error
}

// StatStore is an optional interface that provides store statistics.
type StatStore interface {
	Store

	// Stats returns store-specific statistics.
	Stats() map[string]interface{}
}
