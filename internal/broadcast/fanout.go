package broadcast

import "github.com/efreitasn/stockreserve/internal/domain"

// Fanout publishes every event to each of its sinks in order.
type Fanout struct {
	sinks []Publisher
}

// NewFanout creates a Fanout over sinks. Nil sinks are skipped.
func NewFanout(sinks ...Publisher) *Fanout {
	f := &Fanout{}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Publish forwards event to every sink.
func (f *Fanout) Publish(event domain.StockEvent) {
	for _, s := range f.sinks {
		s.Publish(event)
	}
}
