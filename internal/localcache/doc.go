// Package localcache provides a durable, process-safe store of small JSON
// records grouped in named buckets.
//
// # Overview
//
// A [Cache] is rooted at a directory. Each bucket is a single file in that
// directory holding a JSON array of records in insertion order:
//
//	[{"rest_data": "", "data": {"name": "bench1"}}, ...]
//
// data is the payload supplied by the caller. rest_data is the server's
// response once the record was synced; an empty string means "not synced".
//
// # Concurrency
//
// Every operation on a bucket holds the bucket's [sysmutex] mutex, so
// goroutines and processes on the same host are serialized. [Cache.Add] and
// [Cache.Clear] hold it for one read-modify-write. [Cache.Load] holds it until
// [Bucket.Close], which lets callers iterate with [Bucket.All], mutate handles
// and have each change persisted before the next record is visited.
//
// Writes go to a temporary file in the same directory that is then renamed
// over the bucket file, so readers never see a partial array.
//
// # Failures
//
// I/O errors and content that is not a JSON array of records are reported as
// [*StorageError]. Nothing is repaired or retried.
package localcache
