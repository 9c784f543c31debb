package telemetry

// Sink is anything telemetry records can be published to.
type Sink interface {
	Publish(any)
}

// Fanout publishes every record to each configured sink.
type Fanout []Sink

func (f Fanout) Publish(doc any) {
	for _, s := range f {
		s.Publish(doc)
	}
}
