package trace

// nopTracer discards every event.
type nopTracer struct{}

// Nop is the disabled tracer.
var Nop Tracer = nopTracer{}

func (nopTracer) Emit(*Event) {}

func (nopTracer) Flush() error { return nil }

func (nopTracer) Close() error { return nil }

func (nopTracer) Level() Level { return LevelOff }

func (nopTracer) Enabled() bool { return false }
