// Package storage manages the locations checkpoint artifacts are written to.
//
// Roots keeps the primary location and the fallback locations in priority
// order. Once a fallback has been promoted, it stays the first candidate for
// the rest of the session.
//
// The file helpers write through a synced temporary file and rename it into
// place, so a reader never sees a half-written artifact:
//
//	err := storage.WriteFileAtomic(path, func(f *os.File) error {
//		return encode(f)
//	})
//
// FindMatching and RemoveMatching scan fallback locations for session
// artifacts by glob pattern, newest first. FreeSpace uses gopsutil to read
// the free bytes of the filesystem holding a directory.
package storage
