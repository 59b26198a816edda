// File: shm/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Backing memory for channel regions: anonymous hugepage memory file
// descriptors when available, named POSIX shared memory otherwise. Segments
// made by Create are mapped shared and populated and are locked in RAM when
// mlock succeeds; Attach and AttachFd mappings are not locked, and
// AnonRegion returns private, unlocked memory. Only Linux is supported;
// other platforms get stubs returning api.ErrNotSupported.
package shm
