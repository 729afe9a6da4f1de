package checkpoint

// Trigger decides when emitted records should be acknowledged upstream
type Trigger interface {
	// C receives a value whenever a checkpoint is due
	C() <-chan struct{}
	RecordsEmitted(count int)
	Close()
}
