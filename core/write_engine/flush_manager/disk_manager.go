package flushmanager

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	pagemanager "github.com/sushant-115/hashstore/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// --- DiskManager ---

// DiskManager is the raw page I/O capability the buffer pool is built on.
// Page ids are allocated by the buffer pool; the disk manager only stores bytes.
type DiskManager interface {
	ReadPage(pageID pagemanager.PageID, pageData []byte) error
	WritePage(pageID pagemanager.PageID, pageData []byte) error
	DeallocatePage(pageID pagemanager.PageID) error
}

// Syncer is implemented by disk managers that buffer writes.
type Syncer interface {
	Sync() error
}

// FileDiskManager stores pages in a single file at offset pageID*PageSize.
type FileDiskManager struct {
	filePath  string
	file      *os.File
	pageSize  int
	numPages  int64 // file size / page size
	numReads  uint64
	numWrites uint64
	logger    *zap.Logger
	mu        sync.Mutex
}

// NewFileDiskManager opens filePath, creating it if it does not exist.
func NewFileDiskManager(filePath string, logger *zap.Logger) (*FileDiskManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	file, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, fmt.Errorf("%w: opening file %s: %v", ErrIO, filePath, err)
	}
	fi, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%w: getting file info: %v", ErrIO, err)
	}
	dm := &FileDiskManager{
		filePath: filePath,
		file:     file,
		pageSize: pagemanager.PageSize,
		numPages: fi.Size() / int64(pagemanager.PageSize),
		logger:   logger.Named("disk_manager"),
	}
	dm.logger.Info("Opened database file", zap.String("path", filePath), zap.Int64("num_pages", dm.numPages))
	return dm, nil
}

// ReadPage reads a page's data from disk into pageData. Pages past the end of
// the file, or never written, read back as zeroes.
func (dm *FileDiskManager) ReadPage(pageID pagemanager.PageID, pageData []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if err := dm.checkArgs(pageID, pageData); err != nil {
		return err
	}
	offset := int64(pageID) * int64(dm.pageSize)
	bytesRead, err := dm.file.ReadAt(pageData, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: reading page %d at offset %d: %v", ErrIO, pageID, offset, err)
	}
	if bytesRead < dm.pageSize {
		clear(pageData[bytesRead:])
	}
	dm.numReads++
	return nil
}

// WritePage writes pageData to disk at the specified pageID's location.
func (dm *FileDiskManager) WritePage(pageID pagemanager.PageID, pageData []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if err := dm.checkArgs(pageID, pageData); err != nil {
		return err
	}
	offset := int64(pageID) * int64(dm.pageSize)
	if _, err := dm.file.WriteAt(pageData, offset); err != nil {
		return fmt.Errorf("%w: writing page %d at offset %d: %v", ErrIO, pageID, offset, err)
	}
	if int64(pageID) >= dm.numPages {
		dm.numPages = int64(pageID) + 1
	}
	dm.numWrites++
	// Syncing is left to FlushAllPages and Close.
	return nil
}

// DeallocatePage zeroes a page that lies inside the file. The id itself is not
// reused; there is no on-disk free list.
func (dm *FileDiskManager) DeallocatePage(pageID pagemanager.PageID) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return ErrDiskClosed
	}
	if pageID < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPageID, pageID)
	}
	if int64(pageID) >= dm.numPages {
		return nil
	}
	offset := int64(pageID) * int64(dm.pageSize)
	if _, err := dm.file.WriteAt(make([]byte, dm.pageSize), offset); err != nil {
		return fmt.Errorf("%w: clearing page %d: %v", ErrIO, pageID, err)
	}
	dm.logger.Debug("Deallocated page", zap.Int32("page_id", int32(pageID)))
	return nil
}

func (dm *FileDiskManager) checkArgs(pageID pagemanager.PageID, pageData []byte) error {
	if dm.file == nil {
		return ErrDiskClosed
	}
	if pageID < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPageID, pageID)
	}
	if len(pageData) != dm.pageSize {
		return fmt.Errorf("%w: buffer size (%d) != page size (%d)", ErrInvalidPageData, len(pageData), dm.pageSize)
	}
	return nil
}

func (dm *FileDiskManager) Path() string { return dm.filePath }

// NumPages returns the number of page slots the file currently spans.
func (dm *FileDiskManager) NumPages() int64 {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.numPages
}

func (dm *FileDiskManager) NumReads() uint64 {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.numReads
}

func (dm *FileDiskManager) NumWrites() uint64 {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.numWrites
}

// Sync flushes all buffered data to disk.
func (dm *FileDiskManager) Sync() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return nil
	}
	if err := dm.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing %s: %v", ErrIO, dm.filePath, err)
	}
	return nil
}

// Close syncs and closes the underlying file handle.
func (dm *FileDiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return nil
	}
	if err := dm.file.Sync(); err != nil {
		dm.logger.Error("Failed to sync file on close", zap.Error(err))
	}
	closeErr := dm.file.Close()
	dm.file = nil
	return closeErr
}
