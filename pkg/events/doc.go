// Package events carries typed notifications from a checkpoint session to
// whoever presents them.
//
// Callers subscribe to a Bus and receive values of the concrete event types
// (CheckpointSucceeded, RecoveryModeEntered, SessionFinalized and so on)
// and switch on them:
//
//	ch, cancel := bus.Subscribe(0)
//	defer cancel()
//	for ev := range ch {
//	    switch e := ev.(type) {
//	    case events.Warning:
//	        fmt.Println("warning:", e.Message)
//	    case events.SessionFinalized:
//	        fmt.Println("saved", e.Path)
//	    }
//	}
package events
