package tile

// SnapshotStats is the size accounting of one or many snapshots.
type SnapshotStats struct {
	AllocatedBytes    int64 `json:"allocated_bytes"`
	TotalBytes        int64 `json:"total_bytes"`
	UncompressedBytes int64 `json:"uncompressed_bytes"`
}

func (s SnapshotStats) Add(o SnapshotStats) SnapshotStats {
	return SnapshotStats{
		AllocatedBytes:    s.AllocatedBytes + o.AllocatedBytes,
		TotalBytes:        s.TotalBytes + o.TotalBytes,
		UncompressedBytes: s.UncompressedBytes + o.UncompressedBytes,
	}
}

func (s SnapshotStats) Sub(o SnapshotStats) SnapshotStats {
	return SnapshotStats{
		AllocatedBytes:    s.AllocatedBytes - o.AllocatedBytes,
		TotalBytes:        s.TotalBytes - o.TotalBytes,
		UncompressedBytes: s.UncompressedBytes - o.UncompressedBytes,
	}
}
