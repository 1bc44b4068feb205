// Package changelog provides a multi-file append-only keyed log.
//
// A log lives in a directory and stores an ordered stream of (key, value)
// records across one or more files. Records must be appended in ascending
// key order. Appends always go to a single writable "head" file, named
// "head.log". When the head grows past a configured byte limit it is
// rotated: renamed to "<lowKey>_<highKey>.log", where the two names are the
// string encodings of the first and last key it contains, and a fresh empty
// head is opened. Rotated files are immutable; the file name alone records
// the key range it holds.
//
// Records are read through cursors, which traverse the files in key order
// and cross file boundaries transparently. A cursor opened on the head keeps
// its position through a rotation, because rotation renames the file rather
// than copying it.
//
// Old records are reclaimed a whole file at a time with PurgeUpTo. There is
// no in-place deletion or compaction.
//
// Opening the same directory twice returns the same *Log: a process-wide
// registry hands out one instance per path and reference-counts it, so the
// log is really shut down only when every opener has called Close.
//
// Durability is explicit. Append only buffers through the operating system;
// call Sync to force the head to stable storage. The "changelogutil"
// subpackage provides a helper for doing that on an interval.
package changelog
