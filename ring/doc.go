// File: ring/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Lock-free bounded FIFO rings living inside a shared memory region.
// Rings carry fixed-size records (32-bit buffer indices on the data path,
// 64-byte control entries on the control path) between two address spaces.
// Producer and consumer sides are independently single- or multi-threaded;
// all operations are non-blocking and syscall-free.
package ring
