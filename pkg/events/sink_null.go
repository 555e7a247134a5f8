package events

// NullSink discards all events. It is the default sink when no event bus is
// wired up.
type NullSink struct{}

func NewNullSink() *NullSink {
	return &NullSink{}
}

func (n *NullSink) PublishEvent(_ Event) error {
	return nil
}

var _ Sink = (*NullSink)(nil)
