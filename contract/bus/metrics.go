package bus

// Metrics receives delegate measurements. Implementations must be safe for concurrent use.
type Metrics interface {
	ObserveState(s ReadyState)
	ObserveBuffer(depth int)
	IncDropped(code string)
	IncFlushed(n int)
	IncReconnects()
}

// NopMetrics discards every measurement.
type NopMetrics struct{}

func (NopMetrics) ObserveState(ReadyState) {}
func (NopMetrics) ObserveBuffer(int)       {}
func (NopMetrics) IncDropped(string)       {}
func (NopMetrics) IncFlushed(int)          {}
func (NopMetrics) IncReconnects()          {}
