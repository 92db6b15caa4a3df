// Package store provides durable, crash-safe per-user snapshot storage.
//
// Each user's Dataset lives in a single file that is only ever replaced
// atomically. Files in the data directory:
//
//	<user>.json            primary snapshot
//	<user>.json.backup     previous primary (backup-1)
//	<user>.json.backup2    the one before that (backup-2)
//	<user>.json.lock       cross-process writer lock
//	.<user>.json.tmp-*     in-flight temp files
//
// # Write protocol
//
//  1. Validate the dataset; a failure leaves every file untouched.
//  2. Serialize with a StorageHeader (schema level, record count, checksum).
//  3. Write a temp file in the same directory and fsync it.
//  4. Hard-link the current primary aside, then rename the temp file over it.
//  5. Read the primary back and verify it; on mismatch restore the old primary.
//  6. Only after verification, rotate the staged primary into the backups.
//
// A crash at any point leaves either the old primary or the new one in place,
// and the backups are never ahead of a verified primary.
//
// # Read protocol
//
// Load tries primary, then each backup, then the last dataset this process
// successfully read or wrote, then an empty dataset. Corrupt candidates are
// logged and skipped. Any I/O error other than "file does not exist" is
// returned to the caller.
//
// # Concurrency
//
// Writers for the same user are serialized in-process by a per-user
// semaphore and across processes by flock on the lock file, both bounded by
// Config.LockTimeout.
package store
