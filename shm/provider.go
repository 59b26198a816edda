// File: shm/provider.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Platform-independent segment descriptor. Creation, attach and teardown
// are in the build-tag-partitioned provider files.

package shm

// HugePageSize is the hugepage unit assumed for hugetlb-backed segments.
const HugePageSize = 2 << 20

// shmDir is where named POSIX shared memory objects live.
const shmDir = "/dev/shm/"

// Segment is one mapped shared memory region backing a channel.
type Segment struct {
	Mem      []byte
	Fd       int
	Name     string
	IsPosix  bool   // named POSIX object rather than hugepage memfd
	PageSize uint64 // page size of the backing memory
	Size     uint64
}

// SizeFunc computes the region size for the page size of the backing
// memory actually obtained. Creation calls it again after a hugepage
// failure, since the layout is page-size dependent.
type SizeFunc func(pageSize uint64) (uint64, error)
