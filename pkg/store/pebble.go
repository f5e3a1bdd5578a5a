package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"prevaldb/pkg/logger"
)

// Key layout, all keys ascii-sortable:
//
//	file:<prefix>            hash file content
//	filemeta:<prefix>        8-byte version | 8-byte modified (unixnano)
//	txn:<prefix>:<suffix>:<transaction>  8-byte recorded (unixnano) | 8-byte delta
//	agg:<prefix>:<suffix>    8-byte running total
//	marker:<prefix>          8-byte marked (unixnano)
//	receipt:<transaction>    receipt JSON
const (
	keyFile     = "file:"
	keyFileMeta = "filemeta:"
	keyTxn      = "txn:"
	keyAgg      = "agg:"
	keyMarker   = "marker:"
	keyReceipt  = "receipt:"
)

const lockShards = 64

// Pebble implements every store capability on a single pebble DB. The
// conditional writes are single-writer-per-key via striped locks; the DB is
// owned by one process, so the lock plus an atomic synced batch gives the
// same guarantee an ETag gives against a remote store.
type Pebble struct {
	db    *pebble.DB
	path  string
	locks [lockShards]sync.Mutex
}

// Open opens (or creates) the pebble database at path.
func Open(path string) (*Pebble, error) {
	logger.Info("opening_pebble_db", "path", path)
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return nil, err
	}
	return &Pebble{db: db, path: path}, nil
}

// Close closes the underlying pebble DB.
func (p *Pebble) Close() error {
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	logger.Info("pebble_closed", "path", p.path)
	return err
}

// Ready reports whether the store is open.
func (p *Pebble) Ready() bool { return p != nil && p.db != nil }

func (p *Pebble) lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &p.locks[h.Sum32()%lockShards]
}

// get returns a copy of the value, or ok=false when the key is absent.
func (p *Pebble) get(key []byte) ([]byte, bool, error) {
	v, closer, err := p.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	out := append([]byte(nil), v...)
	_ = closer.Close()
	return out, true, nil
}

func encodeFileMeta(version uint64, modified time.Time) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[:8], version)
	binary.BigEndian.PutUint64(buf[8:], uint64(modified.UnixNano()))
	return buf
}

func decodeFileMeta(v []byte) (uint64, time.Time, error) {
	if len(v) != 16 {
		return 0, time.Time{}, fmt.Errorf("corrupt file meta: %d bytes", len(v))
	}
	ver := binary.BigEndian.Uint64(v[:8])
	mod := time.Unix(0, int64(binary.BigEndian.Uint64(v[8:]))).UTC()
	return ver, mod, nil
}

func (p *Pebble) ReadFile(ctx context.Context, prefix string) (HashFile, error) {
	if err := ctx.Err(); err != nil {
		return HashFile{}, err
	}
	meta, ok, err := p.get([]byte(keyFileMeta + prefix))
	if err != nil {
		return HashFile{}, err
	}
	if !ok {
		return HashFile{}, ErrNotFound
	}
	ver, mod, err := decodeFileMeta(meta)
	if err != nil {
		return HashFile{}, err
	}
	content, _, err := p.get([]byte(keyFile + prefix))
	if err != nil {
		return HashFile{}, err
	}
	return HashFile{
		Content:  content,
		Version:  Version(fmt.Sprintf("%016x", ver)),
		Modified: mod,
	}, nil
}

func (p *Pebble) WriteFileIf(ctx context.Context, prefix string, content []byte, expect Version) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mu := p.lockFor(keyFile + prefix)
	mu.Lock()
	defer mu.Unlock()

	meta, ok, err := p.get([]byte(keyFileMeta + prefix))
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	ver, _, err := decodeFileMeta(meta)
	if err != nil {
		return err
	}
	if Version(fmt.Sprintf("%016x", ver)) != expect {
		return ErrConflict
	}

	b := p.db.NewBatch()
	if err := b.Set([]byte(keyFile+prefix), content, nil); err != nil {
		return err
	}
	if err := b.Set([]byte(keyFileMeta+prefix), encodeFileMeta(ver+1, time.Now().UTC()), nil); err != nil {
		return err
	}
	return p.db.Apply(b, pebble.Sync)
}

func (p *Pebble) Provision(ctx context.Context, prefix string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mu := p.lockFor(keyFile + prefix)
	mu.Lock()
	defer mu.Unlock()

	if _, ok, err := p.get([]byte(keyFileMeta + prefix)); err != nil {
		return err
	} else if ok {
		return ErrExists
	}
	b := p.db.NewBatch()
	if err := b.Set([]byte(keyFile+prefix), nil, nil); err != nil {
		return err
	}
	if err := b.Set([]byte(keyFileMeta+prefix), encodeFileMeta(0, time.Now().UTC()), nil); err != nil {
		return err
	}
	return p.db.Apply(b, pebble.Sync)
}

func encodeTxnRecord(recorded time.Time, delta int64) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[:8], uint64(recorded.UnixNano()))
	binary.BigEndian.PutUint64(buf[8:], uint64(delta))
	return buf
}

func (p *Pebble) AddOrIncrement(ctx context.Context, prefix, suffix, transactionID string, delta int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	aggKey := keyAgg + prefix + ":" + suffix
	mu := p.lockFor(aggKey)
	mu.Lock()
	defer mu.Unlock()

	txKey := keyTxn + prefix + ":" + suffix + ":" + transactionID
	if _, ok, err := p.get([]byte(txKey)); err != nil {
		return false, err
	} else if ok {
		// already counted by an earlier delivery
		return false, nil
	}

	var total int64
	if v, ok, err := p.get([]byte(aggKey)); err != nil {
		return false, err
	} else if ok && len(v) == 8 {
		total = int64(binary.BigEndian.Uint64(v))
	}
	total += delta

	aggVal := make([]byte, 8)
	binary.BigEndian.PutUint64(aggVal, uint64(total))

	b := p.db.NewBatch()
	if err := b.Set([]byte(txKey), encodeTxnRecord(time.Now().UTC(), delta), nil); err != nil {
		return false, err
	}
	if err := b.Set([]byte(aggKey), aggVal, nil); err != nil {
		return false, err
	}
	if err := p.db.Apply(b, pebble.Sync); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Pebble) AggregateCount(ctx context.Context, prefix, suffix string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	v, ok, err := p.get([]byte(keyAgg + prefix + ":" + suffix))
	if err != nil {
		return 0, err
	}
	if !ok || len(v) != 8 {
		// a hash never observed has aggregate zero
		return 0, nil
	}
	return int64(binary.BigEndian.Uint64(v)), nil
}

func (p *Pebble) PurgeTransactionsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyTxn),
		UpperBound: []byte(keyTxn + "\xff"),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	cut := cutoff.UnixNano()
	b := p.db.NewBatch()
	defer b.Close()
	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		v := iter.Value()
		if len(v) != 16 {
			continue
		}
		if int64(binary.BigEndian.Uint64(v[:8])) >= cut {
			continue
		}
		if err := b.Delete(append([]byte(nil), iter.Key()...), nil); err != nil {
			return n, err
		}
		n++
	}
	if n == 0 {
		return 0, nil
	}
	if err := p.db.Apply(b, pebble.Sync); err != nil {
		return 0, err
	}
	return n, nil
}

func (p *Pebble) MarkModified(prefix string) {
	val := make([]byte, 8)
	binary.BigEndian.PutUint64(val, uint64(time.Now().UTC().UnixNano()))
	// best-effort: NoSync, and failures are only logged
	if err := p.db.Set([]byte(keyMarker+prefix), val, pebble.NoSync); err != nil {
		logger.Warn("mark_modified_failed", "prefix", prefix, "error", err)
	}
}

func (p *Pebble) ModifiedSince(since time.Time) []string {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyMarker),
		UpperBound: []byte(keyMarker + "\xff"),
	})
	if err != nil {
		logger.Warn("marker_scan_failed", "error", err)
		return nil
	}
	defer iter.Close()

	var out []string
	s := since.UnixNano()
	for iter.First(); iter.Valid(); iter.Next() {
		v := iter.Value()
		if len(v) != 8 || int64(binary.BigEndian.Uint64(v)) < s {
			continue
		}
		out = append(out, string(iter.Key()[len(keyMarker):]))
	}
	return out
}

func (p *Pebble) ClearMarkersBefore(cutoff time.Time) int {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyMarker),
		UpperBound: []byte(keyMarker + "\xff"),
	})
	if err != nil {
		logger.Warn("marker_scan_failed", "error", err)
		return 0
	}
	defer iter.Close()

	cut := cutoff.UnixNano()
	b := p.db.NewBatch()
	defer b.Close()
	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		v := iter.Value()
		if len(v) != 8 || int64(binary.BigEndian.Uint64(v)) >= cut {
			continue
		}
		if err := b.Delete(append([]byte(nil), iter.Key()...), nil); err != nil {
			logger.Warn("marker_clear_failed", "error", err)
			return n
		}
		n++
	}
	if n == 0 {
		return 0
	}
	if err := p.db.Apply(b, pebble.NoSync); err != nil {
		logger.Warn("marker_clear_failed", "error", err)
		return 0
	}
	return n
}

func (p *Pebble) PutReceipt(ctx context.Context, r Receipt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal receipt: %w", err)
	}
	return p.db.Set([]byte(keyReceipt+r.TransactionID), data, pebble.Sync)
}

func (p *Pebble) GetReceipt(ctx context.Context, transactionID string) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	v, ok, err := p.get([]byte(keyReceipt + transactionID))
	if err != nil {
		return Receipt{}, err
	}
	if !ok {
		return Receipt{}, ErrNotFound
	}
	var r Receipt
	if err := json.Unmarshal(v, &r); err != nil {
		return Receipt{}, fmt.Errorf("corrupt receipt %s: %w", transactionID, err)
	}
	return r, nil
}
