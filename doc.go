// Package pagecache implements a user-space shared page cache in front of
// unbuffered (O_DIRECT) file I/O. Cooperating processes link this package
// and call its six file operations — OpenFile, Close, Read, Write, Seek,
// and Fsync — which route all data through a fixed-size, inter-process
// shared cache of fixed-size pages managed by a CLOCK replacement policy.
//
// Construct one *PageCache per process with Open; it is the process's
// attachment to the shared segment, replacing the package-level globals a
// naive single-process translation of this design would otherwise reach
// for. Call Detach when the process is done with the cache; Open also
// arms a best-effort finalizer as a backstop if a caller forgets.
package pagecache
