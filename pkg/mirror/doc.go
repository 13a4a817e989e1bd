// Package mirror copies finalized artifacts to S3 or any S3-compatible
// store (MinIO, R2) after a session completes.
package mirror
