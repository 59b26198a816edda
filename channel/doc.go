// File: channel/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Shared-memory dataplane channels between a user-space network engine and
// client applications on the same host. A channel is one contiguous shared
// region carrying a bidirectional control queue pair, a bidirectional
// message queue pair, a pool of fixed-size message buffers, and a free-list
// ring indexing that pool. All hot-path traffic is indices on lock-free
// rings; no pointers ever cross the process boundary and no syscalls occur
// after setup.
package channel
