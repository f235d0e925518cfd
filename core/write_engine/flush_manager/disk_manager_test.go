package flushmanager

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	pagemanager "github.com/sushant-115/hashstore/core/write_engine/page_manager"
	"go.uber.org/zap"
)

func filledPage(b byte) []byte {
	data := make([]byte, pagemanager.PageSize)
	for i := range data {
		data[i] = b
	}
	return data
}

// TestFileDiskManager_WriteReadReopen writes two pages, closes the file and
// checks a fresh manager reads the same bytes back.
func TestFileDiskManager_WriteReadReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pages.db")
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	dm, err := NewFileDiskManager(path, logger)
	require.NoError(t, err)
	require.NoError(t, dm.WritePage(0, filledPage(0xAA)))
	require.NoError(t, dm.WritePage(3, filledPage(0xBB)))
	require.Equal(t, int64(4), dm.NumPages())
	require.NoError(t, dm.Close())

	dm2, err := NewFileDiskManager(path, logger)
	require.NoError(t, err)
	defer dm2.Close()
	require.Equal(t, int64(4), dm2.NumPages())

	buf := make([]byte, pagemanager.PageSize)
	require.NoError(t, dm2.ReadPage(3, buf))
	assert.Equal(t, filledPage(0xBB), buf)
	require.NoError(t, dm2.ReadPage(0, buf))
	assert.Equal(t, filledPage(0xAA), buf)

	// Page 1 was never written; it sits in a hole and reads as zeroes.
	require.NoError(t, dm2.ReadPage(1, buf))
	assert.Equal(t, make([]byte, pagemanager.PageSize), buf)
}

// TestFileDiskManager_ReadPastEOF checks that unknown pages zero the buffer
// rather than failing, so fresh pages can be fetched after eviction.
func TestFileDiskManager_ReadPastEOF(t *testing.T) {
	dm, err := NewFileDiskManager(filepath.Join(t.TempDir(), "pages.db"), zap.NewNop())
	require.NoError(t, err)
	defer dm.Close()

	buf := filledPage(0xFF)
	require.NoError(t, dm.ReadPage(42, buf))
	assert.Equal(t, make([]byte, pagemanager.PageSize), buf)
}

func TestFileDiskManager_Errors(t *testing.T) {
	dm, err := NewFileDiskManager(filepath.Join(t.TempDir(), "pages.db"), zap.NewNop())
	require.NoError(t, err)

	assert.ErrorIs(t, dm.WritePage(0, make([]byte, 10)), ErrInvalidPageData)
	assert.ErrorIs(t, dm.ReadPage(pagemanager.InvalidPageID, make([]byte, pagemanager.PageSize)), ErrInvalidPageID)

	require.NoError(t, dm.Close())
	assert.ErrorIs(t, dm.WritePage(0, filledPage(1)), ErrDiskClosed)
}

func TestFileDiskManager_Deallocate(t *testing.T) {
	dm, err := NewFileDiskManager(filepath.Join(t.TempDir(), "pages.db"), zap.NewNop())
	require.NoError(t, err)
	defer dm.Close()

	require.NoError(t, dm.WritePage(2, filledPage(7)))
	require.NoError(t, dm.DeallocatePage(2))
	require.NoError(t, dm.DeallocatePage(99), "deallocating past the end is a no-op")

	buf := make([]byte, pagemanager.PageSize)
	require.NoError(t, dm.ReadPage(2, buf))
	assert.Equal(t, make([]byte, pagemanager.PageSize), buf)
}

func TestMemoryDiskManager(t *testing.T) {
	dm := NewMemoryDiskManager()

	data := filledPage(9)
	require.NoError(t, dm.WritePage(5, data))
	data[0] = 0 // stored copy must not alias the caller's buffer

	buf := make([]byte, pagemanager.PageSize)
	require.NoError(t, dm.ReadPage(5, buf))
	assert.Equal(t, byte(9), buf[0])
	assert.Equal(t, uint64(1), dm.NumWrites())
	assert.Equal(t, uint64(1), dm.NumReads())

	require.NoError(t, dm.DeallocatePage(5))
	assert.True(t, dm.IsDeallocated(5))
	assert.Nil(t, dm.PageData(5))
	require.NoError(t, dm.ReadPage(5, buf))
	assert.Equal(t, make([]byte, pagemanager.PageSize), buf)
}
