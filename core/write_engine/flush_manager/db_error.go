package flushmanager

import "errors"

// --- Error Definitions ---

var (
	// Buffer pool
	ErrPageNotFound   = errors.New("page not found in buffer pool")
	ErrBufferPoolFull = errors.New("buffer pool is full and no pages can be evicted")
	ErrPagePinned     = errors.New("page is pinned and cannot be deleted")
	ErrPageNotPinned  = errors.New("page is not pinned")
	ErrInvalidPageID  = errors.New("invalid page id")

	// Disk
	ErrIO              = errors.New("i/o error")
	ErrDBFileNotFound  = errors.New("database file not found")
	ErrInvalidPageData = errors.New("invalid page data")
	ErrDiskClosed      = errors.New("disk manager is closed")

	// Page codecs
	ErrSerialization   = errors.New("error during serialization")
	ErrDeserialization = errors.New("error during deserialization")

	// Hash index
	ErrDirectoryFull      = errors.New("hash directory reached its maximum depth")
	ErrIntegrityViolation = errors.New("hash directory integrity violation")
	ErrKeyNotFound        = errors.New("key not found")
	ErrKeyAlreadyExists   = errors.New("key/value pair already exists")
	ErrKeyTooLarge        = errors.New("key too large for index key width")
	ErrValueTooLarge      = errors.New("value too large for index value width")
	ErrIndexClosed        = errors.New("index is closed")
)
