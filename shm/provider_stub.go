//go:build !linux
// +build !linux

// File: shm/provider_stub.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Non-Linux stub. Channel regions need memfd/shm semantics this package
// only implements for Linux.

package shm

import "github.com/momentics/shmchan/api"

// Create is unavailable on this platform.
func Create(name string, sizeFor SizeFunc) (*Segment, error) {
	return nil, api.ErrNotSupported
}

// Attach is unavailable on this platform.
func Attach(name string) (*Segment, error) {
	return nil, api.ErrNotSupported
}

// AttachFd is unavailable on this platform.
func AttachFd(fd int, size uint64) (*Segment, error) {
	return nil, api.ErrNotSupported
}

// AnonRegion is unavailable on this platform.
func AnonRegion(size uint64) ([]byte, error) {
	return nil, api.ErrNotSupported
}

// FreeAnonRegion is unavailable on this platform.
func FreeAnonRegion(mem []byte) error {
	return api.ErrNotSupported
}

// Close is a no-op on this platform.
func (s *Segment) Close() error { return nil }
