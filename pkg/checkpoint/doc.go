// Package checkpoint makes buffered audio durable while it is still being
// generated.
//
// A Writer owns one growing artifact per session. Each Write appends a
// snapshot of buffered segments to it:
//   - the artifact name is chosen once, at the first write, and never changes
//   - an existing artifact is backed up before the append (backup_<ts>_<name>)
//   - the result is validated and rolled back from the backup on failure
//   - when the active location fails with a space or permission error, the
//     write relocates to the next fallback root and stays there
//
// Finalize moves the artifact to its destination under its final name.
// EmergencySave, PreserveCancelled and the session Manifest let a cancelled
// or crashed session be recovered later.
//
// Artifacts are PCM WAV files. The format has no streaming append, so each
// append rewrites the file through a temp file and an atomic rename.
package checkpoint
