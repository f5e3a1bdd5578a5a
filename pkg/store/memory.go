package store

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process implementation of every store capability. It
// backs unit tests and the dev-mode server; semantics match the pebble
// backend, including conditional-write conflicts and provisioning state.
type Memory struct {
	mu sync.Mutex

	files map[string]*memFile
	txns  map[string]memTxn
	aggs  map[string]int64
	marks map[string]time.Time
	rcpts map[string]Receipt

	// now is swappable in tests.
	now func() time.Time
}

type memFile struct {
	content  []byte
	version  uint64
	modified time.Time
}

type memTxn struct {
	delta    int64
	recorded time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		files: map[string]*memFile{},
		txns:  map[string]memTxn{},
		aggs:  map[string]int64{},
		marks: map[string]time.Time{},
		rcpts: map[string]Receipt{},
		now:   time.Now,
	}
}

func (m *Memory) ReadFile(ctx context.Context, prefix string) (HashFile, error) {
	if err := ctx.Err(); err != nil {
		return HashFile{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[prefix]
	if !ok {
		return HashFile{}, ErrNotFound
	}
	return HashFile{
		Content:  append([]byte(nil), f.content...),
		Version:  Version(strconv.FormatUint(f.version, 10)),
		Modified: f.modified,
	}, nil
}

func (m *Memory) WriteFileIf(ctx context.Context, prefix string, content []byte, expect Version) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[prefix]
	if !ok {
		return ErrNotFound
	}
	if Version(strconv.FormatUint(f.version, 10)) != expect {
		return ErrConflict
	}
	f.content = append([]byte(nil), content...)
	f.version++
	f.modified = m.now().UTC()
	return nil
}

func (m *Memory) Provision(ctx context.Context, prefix string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[prefix]; ok {
		return ErrExists
	}
	m.files[prefix] = &memFile{modified: m.now().UTC()}
	return nil
}

func txnKey(prefix, suffix, transactionID string) string {
	return prefix + ":" + suffix + ":" + transactionID
}

func (m *Memory) AddOrIncrement(ctx context.Context, prefix, suffix, transactionID string, delta int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := txnKey(prefix, suffix, transactionID)
	if _, ok := m.txns[key]; ok {
		return false, nil
	}
	m.txns[key] = memTxn{delta: delta, recorded: m.now().UTC()}
	m.aggs[prefix+":"+suffix] += delta
	return true, nil
}

func (m *Memory) AggregateCount(ctx context.Context, prefix, suffix string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// a hash never observed has aggregate zero
	return m.aggs[prefix+":"+suffix], nil
}

func (m *Memory) PurgeTransactionsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, t := range m.txns {
		if t.recorded.Before(cutoff) {
			delete(m.txns, k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) MarkModified(prefix string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marks[prefix] = m.now().UTC()
}

func (m *Memory) ModifiedSince(since time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for p, t := range m.marks {
		if !t.Before(since) {
			out = append(out, p)
		}
	}
	return out
}

func (m *Memory) ClearMarkersBefore(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for p, t := range m.marks {
		if t.Before(cutoff) {
			delete(m.marks, p)
			n++
		}
	}
	return n
}

func (m *Memory) PutReceipt(ctx context.Context, r Receipt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rcpts[r.TransactionID] = r
	return nil
}

func (m *Memory) GetReceipt(ctx context.Context, transactionID string) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rcpts[transactionID]
	if !ok {
		return Receipt{}, ErrNotFound
	}
	return r, nil
}
