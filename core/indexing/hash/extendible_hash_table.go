package hashindex

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sushant-115/hashstore/core/transaction"
	flushmanager "github.com/sushant-115/hashstore/core/write_engine/flush_manager"
	"github.com/sushant-115/hashstore/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/hashstore/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/hashstore/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// ExtendibleHashTable is a disk-backed hash index whose directory and buckets
// live in buffer pool pages. Keys may repeat; exact key/value pairs may not.
//
// Lookups and inserts or removes that do not change the structure run under a
// shared table latch plus the bucket page's latch. Splits and merges take the
// table latch exclusively.
type ExtendibleHashTable[K any, V comparable] struct {
	name            string
	bpm             memtable.BufferPool
	directoryPageID pagemanager.PageID
	keyOrder        Order[K]
	serializer      KeyValueSerializer[K, V]
	hashFn          HashFunc[K]
	bucketCapacity  int

	tableLatch sync.RWMutex

	logger  *zap.Logger
	metrics *internaltelemetry.StorageMetrics
	attrs   metric.MeasurementOption
}

// NewExtendibleHashTable creates a new index: a directory of global depth one
// over two empty buckets. A nil hashFn selects XXHash of the serialized key.
func NewExtendibleHashTable[K any, V comparable](
	name string,
	bpm memtable.BufferPool,
	keyOrder Order[K],
	serializer KeyValueSerializer[K, V],
	hashFn HashFunc[K],
	logger *zap.Logger,
	metrics *internaltelemetry.StorageMetrics,
) (*ExtendibleHashTable[K, V], error) {
	t, err := newTable(name, bpm, keyOrder, serializer, hashFn, logger, metrics)
	if err != nil {
		return nil, err
	}

	dirPage, dirID, err := bpm.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate directory page: %w", err)
	}
	dir := NewDirectoryPage(dirID)
	dir.globalDepth = 1

	var created []pagemanager.PageID
	for slot := 0; slot < 2; slot++ {
		_, bucketID, err := bpm.NewPage()
		if err != nil {
			_ = bpm.UnpinPage(dirID, false)
			_ = bpm.DeletePage(dirID)
			for _, id := range created {
				_ = bpm.DeletePage(id)
			}
			return nil, fmt.Errorf("failed to allocate bucket page: %w", err)
		}
		// A zeroed page is an empty bucket.
		if err := bpm.UnpinPage(bucketID, true); err != nil {
			return nil, err
		}
		created = append(created, bucketID)
		dir.SetBucketPageID(slot, bucketID)
		dir.SetLocalDepth(slot, 1)
	}

	dirPage.WLatch()
	err = dir.Encode(dirPage.GetData())
	dirPage.WUnlatch()
	if err != nil {
		_ = bpm.UnpinPage(dirID, false)
		return nil, err
	}
	if err := bpm.UnpinPage(dirID, true); err != nil {
		return nil, err
	}
	t.directoryPageID = dirID

	t.logger.Info("Created hash index",
		zap.Int32("directory_page_id", int32(dirID)),
		zap.Int("bucket_capacity", t.bucketCapacity))
	return t, nil
}

// OpenExtendibleHashTable attaches to an index whose directory is already on disk.
func OpenExtendibleHashTable[K any, V comparable](
	name string,
	bpm memtable.BufferPool,
	directoryPageID pagemanager.PageID,
	keyOrder Order[K],
	serializer KeyValueSerializer[K, V],
	hashFn HashFunc[K],
	logger *zap.Logger,
	metrics *internaltelemetry.StorageMetrics,
) (*ExtendibleHashTable[K, V], error) {
	t, err := newTable(name, bpm, keyOrder, serializer, hashFn, logger, metrics)
	if err != nil {
		return nil, err
	}
	t.directoryPageID = directoryPageID

	dir, err := t.readDirectory()
	if err != nil {
		return nil, fmt.Errorf("failed to open hash index %q: %w", name, err)
	}
	if dir.PageID() != directoryPageID {
		return nil, fmt.Errorf("%w: page %d holds directory of page %d",
			flushmanager.ErrInvalidPageData, directoryPageID, dir.PageID())
	}
	if err := dir.VerifyIntegrity(); err != nil {
		return nil, err
	}
	t.logger.Info("Opened hash index",
		zap.Int32("directory_page_id", int32(directoryPageID)),
		zap.Uint32("global_depth", dir.GlobalDepth()),
		zap.Int("num_buckets", dir.NumBuckets()))
	return t, nil
}

func newTable[K any, V comparable](
	name string,
	bpm memtable.BufferPool,
	keyOrder Order[K],
	serializer KeyValueSerializer[K, V],
	hashFn HashFunc[K],
	logger *zap.Logger,
	metrics *internaltelemetry.StorageMetrics,
) (*ExtendibleHashTable[K, V], error) {
	if bpm == nil {
		return nil, errors.New("hash index: buffer pool must be provided")
	}
	if keyOrder == nil {
		return nil, errors.New("hash index: keyOrder function must be provided")
	}
	if err := serializer.validate(); err != nil {
		return nil, fmt.Errorf("hash index: %w", err)
	}
	if hashFn == nil {
		hashFn = XXHash(serializer.Key)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = internaltelemetry.NewNoopStorageMetrics()
	}
	return &ExtendibleHashTable[K, V]{
		name:            name,
		bpm:             bpm,
		directoryPageID: pagemanager.InvalidPageID,
		keyOrder:        keyOrder,
		serializer:      serializer,
		hashFn:          hashFn,
		bucketCapacity:  BucketArraySize(serializer.PairSize()),
		logger:          logger.Named("hash_index").With(zap.String("index", name)),
		metrics:         metrics,
		attrs:           metric.WithAttributeSet(attribute.NewSet(attribute.String("index.name", name))),
	}, nil
}

func (t *ExtendibleHashTable[K, V]) Name() string                        { return t.name }
func (t *ExtendibleHashTable[K, V]) DirectoryPageID() pagemanager.PageID { return t.directoryPageID }
func (t *ExtendibleHashTable[K, V]) BucketCapacity() int                 { return t.bucketCapacity }

// GetValue returns every value stored under key, or an empty slice.
func (t *ExtendibleHashTable[K, V]) GetValue(txn *transaction.Transaction, key K) ([]V, error) {
	t.tableLatch.RLock()
	defer t.tableLatch.RUnlock()

	dir, err := t.readDirectory()
	if err != nil {
		return nil, err
	}
	bucketID := dir.BucketPageID(t.slotFor(dir, key))
	page, err := t.bpm.FetchPage(bucketID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch bucket page %d: %w", bucketID, err)
	}
	page.RLatch()
	bucket, err := decodeBucketPage(page.GetData(), t.serializer)
	page.RUnlatch()
	if unpinErr := t.bpm.UnpinPage(bucketID, false); err == nil {
		err = unpinErr
	}
	if err != nil {
		return nil, err
	}
	return bucket.GetValue(key, t.keyOrder), nil
}

// Insert adds the pair. It returns false if the exact pair is already stored.
// A full bucket is split and the insert retried; each retry follows a split
// that raised the target slot's local depth, so the loop ends by
// DirectoryMaxDepth at the latest.
func (t *ExtendibleHashTable[K, V]) Insert(txn *transaction.Transaction, key K, value V) (bool, error) {
	if err := t.checkPair(key, value); err != nil {
		return false, err
	}
	for {
		inserted, full, err := t.insertIntoBucket(key, value)
		if err != nil || !full {
			return inserted, err
		}
		if err := t.splitBucket(txn, key); err != nil {
			return false, err
		}
	}
}

// insertIntoBucket tries to place the pair without changing the structure.
// full is true when the target bucket had no room.
func (t *ExtendibleHashTable[K, V]) insertIntoBucket(key K, value V) (inserted, full bool, err error) {
	t.tableLatch.RLock()
	defer t.tableLatch.RUnlock()

	dir, err := t.readDirectory()
	if err != nil {
		return false, false, err
	}
	bucketID := dir.BucketPageID(t.slotFor(dir, key))
	page, err := t.bpm.FetchPage(bucketID)
	if err != nil {
		return false, false, fmt.Errorf("failed to fetch bucket page %d: %w", bucketID, err)
	}
	page.WLatch()
	defer func() {
		page.WUnlatch()
		if unpinErr := t.bpm.UnpinPage(bucketID, inserted); err == nil {
			err = unpinErr
		}
	}()

	bucket, err := decodeBucketPage(page.GetData(), t.serializer)
	if err != nil {
		return false, false, err
	}
	if bucket.Contains(key, value, t.keyOrder) {
		return false, false, nil
	}
	if bucket.IsFull() {
		return false, true, nil
	}
	bucket.Insert(key, value, t.keyOrder)
	if err := bucket.encode(page.GetData(), t.serializer); err != nil {
		return false, false, err
	}
	return true, false, nil
}

// splitBucket splits the bucket key routes to, doubling the directory first
// when the bucket's local depth equals the global depth.
func (t *ExtendibleHashTable[K, V]) splitBucket(txn *transaction.Transaction, key K) (err error) {
	t.tableLatch.Lock()
	defer t.tableLatch.Unlock()

	dirPage, err := t.bpm.FetchPage(t.directoryPageID)
	if err != nil {
		return fmt.Errorf("failed to fetch directory page %d: %w", t.directoryPageID, err)
	}
	dirDirty := false
	defer func() {
		if unpinErr := t.bpm.UnpinPage(t.directoryPageID, dirDirty); err == nil {
			err = unpinErr
		}
	}()
	dir, err := DecodeDirectoryPage(dirPage.GetData())
	if err != nil {
		return err
	}

	slot := t.slotFor(dir, key)
	bucketID := dir.BucketPageID(slot)
	localDepth := dir.LocalDepth(slot)

	bucketPage, err := t.bpm.FetchPage(bucketID)
	if err != nil {
		return fmt.Errorf("failed to fetch bucket page %d: %w", bucketID, err)
	}
	bucketDirty := false
	defer func() {
		if unpinErr := t.bpm.UnpinPage(bucketID, bucketDirty); err == nil {
			err = unpinErr
		}
	}()
	bucket, err := decodeBucketPage(bucketPage.GetData(), t.serializer)
	if err != nil {
		return err
	}
	if !bucket.IsFull() {
		// Another writer split or drained it between our latches.
		return nil
	}
	if localDepth >= DirectoryMaxDepth {
		t.logger.Warn("Bucket full at maximum depth", zap.Int32("bucket_page_id", int32(bucketID)))
		return fmt.Errorf("%w: bucket %d at local depth %d", flushmanager.ErrDirectoryFull, bucketID, localDepth)
	}

	// Allocate before touching the directory so a full pool leaves it intact.
	imagePage, imageID, err := t.bpm.NewPage()
	if err != nil {
		return fmt.Errorf("failed to allocate split bucket: %w", err)
	}
	defer func() {
		if unpinErr := t.bpm.UnpinPage(imageID, true); err == nil {
			err = unpinErr
		}
	}()

	if localDepth == dir.GlobalDepth() {
		if err := dir.Grow(); err != nil {
			return err
		}
		t.metrics.DirectoryGrowsCounter.Add(context.Background(), 1, t.attrs)
	}

	highBit := 1 << localDepth
	low := slot & (highBit - 1)
	for i := 0; i < dir.Size(); i++ {
		if i&(highBit-1) != low {
			continue
		}
		dir.SetLocalDepth(i, localDepth+1)
		if i&highBit != 0 {
			dir.SetBucketPageID(i, imageID)
		}
	}

	// Rebuild both buckets so neither keeps stale occupied bits.
	kept := newBucketPage[K, V](t.bucketCapacity)
	moved := newBucketPage[K, V](t.bucketCapacity)
	for i := 0; i < bucket.Capacity(); i++ {
		if !bucket.IsReadable(i) {
			continue
		}
		k, v := bucket.KeyAt(i), bucket.ValueAt(i)
		if int(t.hashFn(k))&highBit != 0 {
			moved.Insert(k, v, t.keyOrder)
		} else {
			kept.Insert(k, v, t.keyOrder)
		}
	}

	bucketPage.WLatch()
	err = kept.encode(bucketPage.GetData(), t.serializer)
	bucketPage.WUnlatch()
	if err != nil {
		return err
	}
	bucketDirty = true
	imagePage.WLatch()
	err = moved.encode(imagePage.GetData(), t.serializer)
	imagePage.WUnlatch()
	if err != nil {
		return err
	}
	dirPage.WLatch()
	err = dir.Encode(dirPage.GetData())
	dirPage.WUnlatch()
	if err != nil {
		return err
	}
	dirDirty = true

	t.metrics.BucketSplitsCounter.Add(context.Background(), 1, t.attrs)
	t.logger.Debug("Split bucket",
		zap.String("txn", txn.IDString()),
		zap.Int32("bucket_page_id", int32(bucketID)),
		zap.Int32("image_page_id", int32(imageID)),
		zap.Uint32("local_depth", localDepth+1),
		zap.Uint32("global_depth", dir.GlobalDepth()),
		zap.Int("kept", kept.NumReadable()),
		zap.Int("moved", moved.NumReadable()))
	return nil
}

// Remove deletes the exact pair. It returns false if the pair was not stored.
// A bucket left empty is merged with its split image.
func (t *ExtendibleHashTable[K, V]) Remove(txn *transaction.Transaction, key K, value V) (bool, error) {
	removed, empty, err := t.removeFromBucket(key, value)
	if err != nil || !removed {
		return removed, err
	}
	if empty {
		if err := t.merge(txn, key); err != nil {
			return true, err
		}
	}
	return true, nil
}

func (t *ExtendibleHashTable[K, V]) removeFromBucket(key K, value V) (removed, empty bool, err error) {
	t.tableLatch.RLock()
	defer t.tableLatch.RUnlock()

	dir, err := t.readDirectory()
	if err != nil {
		return false, false, err
	}
	bucketID := dir.BucketPageID(t.slotFor(dir, key))
	page, err := t.bpm.FetchPage(bucketID)
	if err != nil {
		return false, false, fmt.Errorf("failed to fetch bucket page %d: %w", bucketID, err)
	}
	page.WLatch()
	defer func() {
		page.WUnlatch()
		if unpinErr := t.bpm.UnpinPage(bucketID, removed); err == nil {
			err = unpinErr
		}
	}()

	bucket, err := decodeBucketPage(page.GetData(), t.serializer)
	if err != nil {
		return false, false, err
	}
	if !bucket.Remove(key, value, t.keyOrder) {
		return false, false, nil
	}
	if err := bucket.encode(page.GetData(), t.serializer); err != nil {
		return false, false, err
	}
	return true, bucket.IsEmpty(), nil
}

// merge folds the bucket key routes to into its split image while either of
// the two is empty and both have the same local depth above one, then shrinks
// the directory as far as the local depths allow.
func (t *ExtendibleHashTable[K, V]) merge(txn *transaction.Transaction, key K) (err error) {
	t.tableLatch.Lock()
	defer t.tableLatch.Unlock()

	dirPage, err := t.bpm.FetchPage(t.directoryPageID)
	if err != nil {
		return fmt.Errorf("failed to fetch directory page %d: %w", t.directoryPageID, err)
	}
	dirDirty := false
	defer func() {
		if unpinErr := t.bpm.UnpinPage(t.directoryPageID, dirDirty); err == nil {
			err = unpinErr
		}
	}()
	dir, err := DecodeDirectoryPage(dirPage.GetData())
	if err != nil {
		return err
	}

	for {
		slot := t.slotFor(dir, key)
		localDepth := dir.LocalDepth(slot)
		if localDepth <= 1 {
			break
		}
		bucketID := dir.BucketPageID(slot)
		imageSlot := dir.SplitImageIndex(slot)
		imageID := dir.BucketPageID(imageSlot)
		if dir.LocalDepth(imageSlot) != localDepth || imageID == bucketID {
			break
		}

		bucketEmpty, err := t.bucketIsEmpty(bucketID)
		if err != nil {
			return err
		}
		imageEmpty, err := t.bucketIsEmpty(imageID)
		if err != nil {
			return err
		}
		if !bucketEmpty && !imageEmpty {
			break
		}
		survivor, victim := imageID, bucketID
		if !bucketEmpty {
			survivor, victim = bucketID, imageID
		}

		for i := 0; i < dir.Size(); i++ {
			if id := dir.BucketPageID(i); id == survivor || id == victim {
				dir.SetBucketPageID(i, survivor)
				dir.SetLocalDepth(i, localDepth-1)
			}
		}
		dirDirty = true
		if err := t.bpm.DeletePage(victim); err != nil {
			// The directory no longer references it; the page is only leaked.
			t.logger.Warn("Failed to delete merged bucket page", zap.Int32("page_id", int32(victim)), zap.Error(err))
		}
		t.metrics.BucketMergesCounter.Add(context.Background(), 1, t.attrs)
		t.logger.Debug("Merged bucket",
			zap.String("txn", txn.IDString()),
			zap.Int32("removed_page_id", int32(victim)),
			zap.Int32("survivor_page_id", int32(survivor)),
			zap.Uint32("local_depth", localDepth-1))
	}

	for dir.CanShrink() {
		dir.Shrink()
		dirDirty = true
		t.metrics.DirectoryShrinksCounter.Add(context.Background(), 1, t.attrs)
	}
	if dirDirty {
		dirPage.WLatch()
		err = dir.Encode(dirPage.GetData())
		dirPage.WUnlatch()
		if err != nil {
			dirDirty = false
			return err
		}
	}
	return nil
}

func (t *ExtendibleHashTable[K, V]) bucketIsEmpty(bucketID pagemanager.PageID) (bool, error) {
	page, err := t.bpm.FetchPage(bucketID)
	if err != nil {
		return false, fmt.Errorf("failed to fetch bucket page %d: %w", bucketID, err)
	}
	bucket, err := decodeBucketPage(page.GetData(), t.serializer)
	if unpinErr := t.bpm.UnpinPage(bucketID, false); err == nil {
		err = unpinErr
	}
	if err != nil {
		return false, err
	}
	return bucket.IsEmpty(), nil
}

// GetGlobalDepth returns the directory's global depth.
func (t *ExtendibleHashTable[K, V]) GetGlobalDepth() (uint32, error) {
	t.tableLatch.RLock()
	defer t.tableLatch.RUnlock()
	dir, err := t.readDirectory()
	if err != nil {
		return 0, err
	}
	return dir.GlobalDepth(), nil
}

// NumBuckets returns the number of distinct bucket pages.
func (t *ExtendibleHashTable[K, V]) NumBuckets() (int, error) {
	t.tableLatch.RLock()
	defer t.tableLatch.RUnlock()
	dir, err := t.readDirectory()
	if err != nil {
		return 0, err
	}
	return dir.NumBuckets(), nil
}

// VerifyIntegrity checks the directory invariants. It returns an error
// wrapping ErrIntegrityViolation if any is broken.
func (t *ExtendibleHashTable[K, V]) VerifyIntegrity() error {
	t.tableLatch.RLock()
	defer t.tableLatch.RUnlock()
	dir, err := t.readDirectory()
	if err != nil {
		return err
	}
	return dir.VerifyIntegrity()
}

// readDirectory fetches, decodes and releases the directory page.
// The caller must hold tableLatch.
func (t *ExtendibleHashTable[K, V]) readDirectory() (*DirectoryPage, error) {
	page, err := t.bpm.FetchPage(t.directoryPageID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch directory page %d: %w", t.directoryPageID, err)
	}
	dir, err := DecodeDirectoryPage(page.GetData())
	if unpinErr := t.bpm.UnpinPage(t.directoryPageID, false); err == nil {
		err = unpinErr
	}
	if err != nil {
		return nil, err
	}
	return dir, nil
}

func (t *ExtendibleHashTable[K, V]) slotFor(dir *DirectoryPage, key K) int {
	return int(t.hashFn(key) & dir.GlobalDepthMask())
}

// checkPair rejects keys or values that do not fit their slots.
func (t *ExtendibleHashTable[K, V]) checkPair(key K, value V) error {
	buf := make([]byte, t.serializer.PairSize())
	if err := putField(t.serializer.Key, buf[:t.serializer.Key.Size], key); err != nil {
		return err
	}
	return putField(t.serializer.Value, buf[t.serializer.Key.Size:], value)
}
