// Package scheduler decides which generation steps trigger a checkpoint and
// adapts the checkpoint interval to write failures, write speed and host
// load.
package scheduler
