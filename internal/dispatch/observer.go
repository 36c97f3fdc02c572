package dispatch

import (
	"context"

	"github.com/lalithlochan/medreminder/internal/metrics"
)

// Observer is told about every dispatch result. It runs on the dispatch
// goroutine, so implementations should return quickly.
type Observer interface {
	Observe(ctx context.Context, r Result)
}

// Observers fans a result out to several observers in order.
type Observers []Observer

func (o Observers) Observe(ctx context.Context, r Result) {
	for _, obs := range o {
		obs.Observe(ctx, r)
	}
}

// MetricsObserver counts results in Prometheus.
type MetricsObserver struct{}

func (MetricsObserver) Observe(_ context.Context, r Result) {
	metrics.RecordDispatch(string(r.Kind), string(r.Type))
}

// ChanObserver publishes results on a buffered channel for in-process
// listeners. Results are dropped when the buffer is full.
type ChanObserver struct {
	ch chan Result
}

func NewChanObserver(buffer int) *ChanObserver {
	return &ChanObserver{ch: make(chan Result, buffer)}
}

func (c *ChanObserver) Observe(_ context.Context, r Result) {
	select {
	case c.ch <- r:
	default:
	}
}

// C is the receive side of the observer.
func (c *ChanObserver) C() <-chan Result {
	return c.ch
}
