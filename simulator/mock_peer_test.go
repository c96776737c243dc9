package simulator_test

import "sync"

// mockPeer is a hand-rolled test double in the same override-func style as
// the teacher's MockTapDevice/MockInterruptRaiser: a concrete struct with
// optional Func fields, falling back to a sane default when unset, plus a
// mutex-guarded record of what it saw.
type mockPeer struct {
	mu sync.Mutex

	OutFunc func(ep uint8, setup, data0 bool, data []byte) uint8
	InFunc  func(ep uint8, data0 bool) ([]byte, uint8)

	resets int
	outs   [][]byte
}

func (p *mockPeer) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resets++
}

func (p *mockPeer) Out(ep uint8, setup, data0 bool, data []byte) uint8 {
	p.mu.Lock()
	p.outs = append(p.outs, append([]byte(nil), data...))
	p.mu.Unlock()
	if p.OutFunc != nil {
		return p.OutFunc(ep, setup, data0, data)
	}
	return 0x02 // ACK
}

func (p *mockPeer) In(ep uint8, data0 bool) ([]byte, uint8) {
	if p.InFunc != nil {
		return p.InFunc(ep, data0)
	}
	return nil, 0x0e // STALL
}

func (p *mockPeer) recordedOuts() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.outs))
	copy(out, p.outs)
	return out
}
