package main

// ServeFlags Flag structs to decouple cobra from logic for testing.
type ServeFlags struct {
	PidFile string
	// NonBlocking boots, then shuts down immediately (smoke tests).
	NonBlocking bool
}

type SyncFlags struct {
	From string
	To   string
}
