// Package recovery decides what happens after a checkpoint write fails and
// finds the best surviving audio of an interrupted session.
//
// Failures are classified by probable cause and mapped to a strategy:
//
//	space, permission        relocate to a fallback location
//	transient fs or network  retry with exponential backoff
//	resource exhaustion      skip this checkpoint
//	payload                  retry once, then skip
//	anything else            skip
//
// A run of consecutive failures puts the session into recovery mode until
// the next successful checkpoint.
package recovery
