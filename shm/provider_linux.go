//go:build linux
// +build linux

// File: shm/provider_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Linux provider: hugetlb memfd first, named POSIX shared memory under
// /dev/shm as fallback. Mappings are MAP_SHARED|MAP_POPULATE and locked
// in RAM; an mlock failure is tolerated with a warning so constrained
// environments (low RLIMIT_MEMLOCK) still work.

package shm

import (
	"fmt"
	"log"

	"golang.org/x/sys/unix"

	"github.com/momentics/shmchan/api"
)

// Create builds the backing memory for a new channel region. sizeFor is
// consulted with the hugepage size first and with the system page size
// after a hugetlb failure.
func Create(name string, sizeFor SizeFunc) (*Segment, error) {
	hugeSize, err := sizeFor(HugePageSize)
	if err != nil {
		return nil, err
	}
	seg, hugeErr := createHugetlb(name, hugeSize)
	if hugeErr == nil {
		return seg, nil
	}
	log.Printf("shm: hugetlb segment for %q failed (%v); falling back to POSIX shm", name, hugeErr)

	posixSize, err := sizeFor(uint64(unix.Getpagesize()))
	if err != nil {
		return nil, err
	}
	seg, posixErr := createPosix(name, posixSize)
	if posixErr != nil {
		return nil, fmt.Errorf("hugetlb: %v; posix: %v: %w", hugeErr, posixErr, api.ErrOutOfMemory)
	}
	return seg, nil
}

func createHugetlb(name string, size uint64) (*Segment, error) {
	if size%HugePageSize != 0 {
		return nil, fmt.Errorf("size %d not hugepage aligned: %w", size, api.ErrBadParameter)
	}
	fd, err := unix.MemfdCreate(name, unix.MFD_HUGETLB)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}
	mem, err := mapLocked(fd, size, unix.MAP_SHARED|unix.MAP_POPULATE|unix.MAP_HUGETLB)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &Segment{
		Mem:      mem,
		Fd:       fd,
		Name:     name,
		IsPosix:  false,
		PageSize: HugePageSize,
		Size:     size,
	}, nil
}

func createPosix(name string, size uint64) (*Segment, error) {
	fd, err := unix.Open(shmDir+name, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR, 0o666)
	if err != nil {
		return nil, fmt.Errorf("shm_open %q: %w", name, err)
	}
	mem, err := mapLocked(fd, size, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Close(fd)
		unix.Unlink(shmDir + name)
		return nil, err
	}
	return &Segment{
		Mem:      mem,
		Fd:       fd,
		Name:     name,
		IsPosix:  true,
		PageSize: uint64(unix.Getpagesize()),
		Size:     size,
	}, nil
}

func mapLocked(fd int, size uint64, flags int) ([]byte, error) {
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		return nil, fmt.Errorf("ftruncate: %w", err)
	}
	mem, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	if err := unix.Mlock(mem); err != nil {
		// Keep going unlocked; channels still work, just swappable.
		log.Printf("shm: mlock of %d bytes failed: %v", size, err)
	}
	return mem, nil
}

// Attach maps an existing named POSIX segment.
func Attach(name string) (*Segment, error) {
	fd, err := unix.Open(shmDir+name, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("shm attach %q: %w", name, api.ErrNotFound)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("fstat: %w", err)
	}
	mem, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &Segment{
		Mem:      mem,
		Fd:       fd,
		Name:     name,
		IsPosix:  true,
		PageSize: uint64(unix.Getpagesize()),
		Size:     uint64(st.Size),
	}, nil
}

// AttachFd maps a segment received over an out-of-band fd handshake.
func AttachFd(fd int, size uint64) (*Segment, error) {
	mem, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return nil, fmt.Errorf("mmap fd %d: %w", fd, err)
	}
	return &Segment{
		Mem:      mem,
		Fd:       fd,
		PageSize: uint64(unix.Getpagesize()),
		Size:     size,
	}, nil
}

// AnonRegion maps private anonymous page-aligned memory. Not shared; used
// by tests and in-process arenas.
func AnonRegion(size uint64) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("anonymous mmap: %w", err)
	}
	return mem, nil
}

// FreeAnonRegion unmaps a region returned by AnonRegion.
func FreeAnonRegion(mem []byte) error {
	if mem == nil {
		return nil
	}
	return unix.Munmap(mem)
}

// Close unmaps the segment, closes its descriptor and unlinks the POSIX
// name. Idempotent: a zeroed or already-closed segment is a no-op.
func (s *Segment) Close() error {
	var first error
	if s.Mem != nil {
		if err := unix.Munmap(s.Mem); err != nil && first == nil {
			first = err
		}
		s.Mem = nil
	}
	if s.Fd > 0 {
		if err := unix.Close(s.Fd); err != nil && first == nil {
			first = err
		}
		s.Fd = -1
	}
	if s.IsPosix && s.Name != "" {
		if err := unix.Unlink(shmDir + s.Name); err != nil && first == nil {
			first = err
		}
		s.Name = ""
	}
	return first
}
