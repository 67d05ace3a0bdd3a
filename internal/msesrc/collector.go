package msesrc

import (
	"slices"
	"sync"

	"github.com/jmylchreest/msebuf/internal/media"
)

// Collector is a Pad that keeps everything it receives. It answers pushes
// with a configurable flow.
type Collector struct {
	mu      sync.Mutex
	events  []Event
	samples []*media.Sample
	flow    FlowReturn
	eos     chan struct{}
	eosOnce sync.Once
}

var _ Pad = (*Collector)(nil)

// NewCollector creates a collector answering FlowOK.
func NewCollector() *Collector {
	return &Collector{eos: make(chan struct{})}
}

// Event implements Pad.
func (c *Collector) Event(ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	if ev.Type == EventEOS {
		c.eosOnce.Do(func() { close(c.eos) })
	}
}

// Push implements Pad.
func (c *Collector) Push(s *media.Sample) FlowReturn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flow == FlowOK {
		c.samples = append(c.samples, s)
	}
	return c.flow
}

// SetFlow changes the result of later pushes.
func (c *Collector) SetFlow(f FlowReturn) {
	c.mu.Lock()
	c.flow = f
	c.mu.Unlock()
}

// Done is closed on the first end of stream event.
func (c *Collector) Done() <-chan struct{} { return c.eos }

// Events returns the events received so far.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.events)
}

// EventTypes returns the types of the events received so far.
func (c *Collector) EventTypes() []EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]EventType, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Type
	}
	return out
}

// Samples returns the accepted samples.
func (c *Collector) Samples() []*media.Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.samples)
}

// Bytes returns the payload size of the accepted samples.
func (c *Collector) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	for _, s := range c.samples {
		n += s.Size()
	}
	return n
}

// Reset forgets everything received.
func (c *Collector) Reset() {
	c.mu.Lock()
	c.events = nil
	c.samples = nil
	c.mu.Unlock()
}
