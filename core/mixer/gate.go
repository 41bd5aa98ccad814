package mixer

// ReadinessGate counts distinct ready generations against the expected set.
// Generations outside the expectation never count, so a late signal from a
// torn-down source cannot be credited to its replacement.
type ReadinessGate struct {
	expected map[Generation]struct{}
	ready    map[Generation]struct{}
}

func NewReadinessGate() *ReadinessGate {
	return &ReadinessGate{
		expected: make(map[Generation]struct{}),
		ready:    make(map[Generation]struct{}),
	}
}

// Reset replaces the expectation and zeroes the ready count.
func (g *ReadinessGate) Reset(expected []Generation) {
	g.expected = make(map[Generation]struct{}, len(expected))
	g.ready = make(map[Generation]struct{}, len(expected))
	for _, gen := range expected {
		g.expected[gen] = struct{}{}
	}
}

// MarkReady credits gen and reports whether it counted.
func (g *ReadinessGate) MarkReady(gen Generation) bool {
	if _, ok := g.expected[gen]; !ok {
		return false
	}
	if _, dup := g.ready[gen]; dup {
		return false
	}
	g.ready[gen] = struct{}{}
	return true
}

// Fail removes gen from the expectation so the rest can still become ready.
func (g *ReadinessGate) Fail(gen Generation) bool {
	if _, ok := g.expected[gen]; !ok {
		return false
	}
	delete(g.expected, gen)
	delete(g.ready, gen)
	return true
}

func (g *ReadinessGate) ReadyCount() int    { return len(g.ready) }
func (g *ReadinessGate) ExpectedCount() int { return len(g.expected) }

func (g *ReadinessGate) IsReady() bool {
	return len(g.expected) > 0 && len(g.ready) == len(g.expected)
}
