//go:build !unix

package mem

// Fallback for platforms without madvise: pages come from the managed heap
// and decommit is a no-op.  Handle validation and recycling still work; the
// only loss is physical reclamation, which snapshots report as zero
// decommit bytes.

func sysMap(size int) ([]byte, error) { return make([]byte, size), nil }

func sysDecommit(b []byte) error { return nil }

func sysUnmap(b []byte) error { return nil }
