package common

// StorageEngine is the key-value surface every engine in this
// repository exposes, authenticated or not.
type StorageEngine interface {
	Put(key, value []byte) error

	// Get returns ErrKeyNotFound if key doesn't exist
	Get(key []byte) ([]byte, error)

	// Delete removes a key
	Delete(key []byte) error

	// Close closes the storage engine
	Close() error

	// Sync ensures all data is persisted to disk
	Sync() error

	// Stats returns engine statistics
	Stats() Stats

	// Compact manually triggers compaction
	Compact() error
}

// AuthenticatedEngine is a StorageEngine that maintains a cryptographic
// commitment over its full key set. Mutations stage until Commit seals
// them into a new root.
type AuthenticatedEngine interface {
	StorageEngine

	// Commit applies every staged mutation and returns the new root.
	Commit() ([32]byte, error)

	// Root returns the last committed root.
	Root() [32]byte
}

// Stats contains engine statistics
type Stats struct {
	// Basic counts
	NumKeys       int64
	NumSegments   int
	ActiveSegSize int64
	TotalDiskSize int64

	// Performance metrics
	WriteCount   int64
	ReadCount    int64
	CompactCount int64

	// Amplification factors
	WriteAmp float64 // bytes written to disk / bytes written by user
	SpaceAmp float64 // disk space used / logical data size
}
