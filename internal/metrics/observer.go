package metrics

// ClientObserver receives events from the outbound API client.
type ClientObserver interface {
	ObserveAttempt(class string, duration float64)
	RecordRetry()
	RecordRefresh(result string)
}

// NopObserver discards every event.
type NopObserver struct{}

func (NopObserver) ObserveAttempt(string, float64) {}
func (NopObserver) RecordRetry()                   {}
func (NopObserver) RecordRefresh(string)           {}
