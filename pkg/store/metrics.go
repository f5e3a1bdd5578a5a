package store

// Stats is a compact view of storage health used by readyz and the
// inspect tool.
type Stats struct {
	DiskBytes     uint64
	WALBytes      uint64
	MemtableBytes uint64
}

// Stats returns best-effort size metrics from pebble. Zero values when the
// DB is not open or a figure is unavailable.
func (p *Pebble) Stats() Stats {
	var s Stats
	if p == nil || p.db == nil {
		return s
	}
	if sz, err := p.db.EstimateDiskUsage(nil, []byte("\xff\xff")); err == nil {
		s.DiskBytes = sz
	}
	if m := p.db.Metrics(); m != nil {
		s.WALBytes = m.WAL.Size
		s.MemtableBytes = m.MemTable.Size
	}
	return s
}
