package simulator_test

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/ezrec/poseidon-sl811hs/sl811hs"
	"github.com/ezrec/poseidon-sl811hs/simulator"
)

func newAttached(t *testing.T, peer simulator.Peer) (*sl811hs.Controller, *simulator.Simulator) {
	t.Helper()
	sim := simulator.NewSimulator(peer, nil)
	c, err := sl811hs.Attach(sim, sl811hs.Config{})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	sim.SetInterruptHandler(c.OnInterrupt)
	t.Cleanup(c.Detach)
	return c, sim
}

// Scenario 1: attach and enumerate the root hub's device descriptor.
func TestEnumerateRootHub(t *testing.T) {
	c, _ := newAttached(t, &mockPeer{})

	buf := make([]byte, 18)
	req := &sl811hs.IORequest{Cmd: sl811hs.CmdControlXfer, DevAddr: 0, MaxPkt: 8, Dir: sl811hs.DirIn, Data: buf}
	req.Setup[0], req.Setup[1] = 0x80, 0x06
	binary.LittleEndian.PutUint16(req.Setup[2:4], 0x0100)
	binary.LittleEndian.PutUint16(req.Setup[6:8], uint16(len(buf)))

	if err := c.BeginIO(req); err != nil {
		t.Fatalf("BeginIO: %v", err)
	}
	if req.Actual != 18 {
		t.Fatalf("Actual = %d, want 18", req.Actual)
	}
	if buf[0] != 18 || buf[1] != 1 {
		t.Errorf("bLength/bDescriptorType = %d/%d, want 18/1", buf[0], buf[1])
	}
	if vid := binary.LittleEndian.Uint16(buf[8:10]); vid != 0x04b4 {
		t.Errorf("idVendor = 0x%04x, want 0x04b4", vid)
	}
}

// Scenario 2: SET_ADDRESS then fetch the configuration bundle at the new
// address, checking wTotalLength sums the four descriptors (configuration,
// interface, endpoint, hub) while the reply is truncated to wLength.
func TestSetAddressThenGetConfig(t *testing.T) {
	c, _ := newAttached(t, &mockPeer{})

	setAddr := &sl811hs.IORequest{Cmd: sl811hs.CmdControlXfer, DevAddr: 0, MaxPkt: 8, Dir: sl811hs.DirOut}
	setAddr.Setup[1] = 0x05 // SET_ADDRESS
	binary.LittleEndian.PutUint16(setAddr.Setup[2:4], 7)
	if err := c.BeginIO(setAddr); err != nil {
		t.Fatalf("SET_ADDRESS: %v", err)
	}

	buf := make([]byte, 32)
	req := &sl811hs.IORequest{Cmd: sl811hs.CmdControlXfer, DevAddr: 7, MaxPkt: 8, Dir: sl811hs.DirIn, Data: buf}
	req.Setup[0], req.Setup[1] = 0x80, 0x06
	binary.LittleEndian.PutUint16(req.Setup[2:4], 0x0200)
	binary.LittleEndian.PutUint16(req.Setup[6:8], uint16(len(buf)))
	if err := c.BeginIO(req); err != nil {
		t.Fatalf("GET_DESCRIPTOR(CONFIGURATION): %v", err)
	}

	wTotalLength := binary.LittleEndian.Uint16(buf[2:4])
	if req.Actual != len(buf) {
		t.Errorf("Actual = %d, want %d (wLength)", req.Actual, len(buf))
	}
	if wTotalLength != 9+9+7+9 {
		t.Errorf("wTotalLength = %d, want %d", wTotalLength, 9+9+7+9)
	}
}

// Scenario 3: SET_FEATURE(PORT_RESET) then GET_STATUS reports the change
// bit.
func TestPortResetViaHubClass(t *testing.T) {
	c, _ := newAttached(t, &mockPeer{})

	setAddr := &sl811hs.IORequest{Cmd: sl811hs.CmdControlXfer, DevAddr: 0, MaxPkt: 8}
	setAddr.Setup[1] = 0x05
	binary.LittleEndian.PutUint16(setAddr.Setup[2:4], 7)
	if err := c.BeginIO(setAddr); err != nil {
		t.Fatalf("SET_ADDRESS: %v", err)
	}

	reset := &sl811hs.IORequest{Cmd: sl811hs.CmdControlXfer, DevAddr: 7, MaxPkt: 8}
	reset.Setup[0] = 0x23 // host-to-device, class, other (port)
	reset.Setup[1] = 0x03 // SET_FEATURE
	binary.LittleEndian.PutUint16(reset.Setup[2:4], 4) // PORT_RESET
	binary.LittleEndian.PutUint16(reset.Setup[4:6], 1) // port 1
	if err := c.BeginIO(reset); err != nil {
		t.Fatalf("SET_FEATURE(PORT_RESET): %v", err)
	}

	buf := make([]byte, 4)
	status := &sl811hs.IORequest{Cmd: sl811hs.CmdControlXfer, DevAddr: 7, MaxPkt: 8, Dir: sl811hs.DirIn, Data: buf}
	status.Setup[0] = 0xa3 // device-to-host, class, other
	status.Setup[1] = 0x00 // GET_STATUS
	binary.LittleEndian.PutUint16(status.Setup[4:6], 1)
	binary.LittleEndian.PutUint16(status.Setup[6:8], 4)
	if err := c.BeginIO(status); err != nil {
		t.Fatalf("GET_STATUS(port): %v", err)
	}

	change := binary.LittleEndian.Uint16(buf[2:4])
	if change&(1<<4) == 0 {
		t.Errorf("expected C_PORT_RESET set in port change word 0x%04x", change)
	}
}

// Scenario 4: a NAK'd interrupt transfer times out against its caller
// budget instead of retrying forever.
func TestNakRetryBudgetExpires(t *testing.T) {
	peer := &mockPeer{InFunc: func(ep uint8, data0 bool) ([]byte, uint8) { return nil, 0x0a }}
	c, _ := newAttached(t, peer)

	req := &sl811hs.IORequest{
		Cmd:        sl811hs.CmdIntXfer,
		DevAddr:    9,
		Endpoint:   1,
		MaxPkt:     8,
		Dir:        sl811hs.DirIn,
		Data:       make([]byte, 8),
		Flags:      sl811hs.FlagNakTimeout,
		NakTimeout: 15 * time.Millisecond,
		Interval:   4 * time.Millisecond,
	}

	start := time.Now()
	err := c.BeginIO(req)
	elapsed := time.Since(start)

	var xe *sl811hs.XferError
	if !errors.As(err, &xe) || xe.Kind != sl811hs.ErrNAKTimeout {
		t.Fatalf("err = %v, want ErrNAKTimeout", err)
	}
	if elapsed < req.NakTimeout {
		t.Errorf("returned after %v, want at least %v", elapsed, req.NakTimeout)
	}
}

// A bulk transfer that completes cleanly against a real peer, exercising
// the Transaction Engine's OUT path and the worker's bulk RSM loop.
func TestBulkOutCompletesAndRecordsPayload(t *testing.T) {
	peer := &mockPeer{}
	c, _ := newAttached(t, peer)

	data := []byte("hello device")
	req := &sl811hs.IORequest{
		Cmd:      sl811hs.CmdBulkXfer,
		DevAddr:  9,
		Endpoint: 2,
		MaxPkt:   64,
		Dir:      sl811hs.DirOut,
		Data:     data,
	}
	if err := c.BeginIO(req); err != nil {
		t.Fatalf("BeginIO: %v", err)
	}
	if req.Actual != len(data) {
		t.Fatalf("Actual = %d, want %d", req.Actual, len(data))
	}

	outs := peer.recordedOuts()
	if len(outs) == 0 || string(outs[0]) != "hello device" {
		t.Fatalf("peer did not see the expected payload: %v", outs)
	}
}

// A short bulk IN followed by a bulk OUT on the same slot bank: the first
// transaction leaves HOSTTXLEFT holding a stale short-read remainder, and
// the second must not inherit it when computing its own actual length.
func TestBulkOutActualLengthIndependentOfPriorShortRead(t *testing.T) {
	peer := &mockPeer{InFunc: func(ep uint8, data0 bool) ([]byte, uint8) {
		return []byte{0x01, 0x02}, 0x02 // ACK, shorter than the request
	}}
	c, _ := newAttached(t, peer)

	in := &sl811hs.IORequest{
		Cmd: sl811hs.CmdBulkXfer, DevAddr: 3, Endpoint: 1, MaxPkt: 64,
		Dir: sl811hs.DirIn, Data: make([]byte, 8),
	}
	if err := c.BeginIO(in); err != nil {
		t.Fatalf("BeginIO(IN): %v", err)
	}
	if in.Actual != 2 {
		t.Fatalf("IN Actual = %d, want 2", in.Actual)
	}

	out := &sl811hs.IORequest{
		Cmd: sl811hs.CmdBulkXfer, DevAddr: 3, Endpoint: 1, MaxPkt: 64,
		Dir: sl811hs.DirOut, Data: []byte("0123456789"),
	}
	if err := c.BeginIO(out); err != nil {
		t.Fatalf("BeginIO(OUT): %v", err)
	}
	if out.Actual != 10 {
		t.Fatalf("OUT Actual = %d, want 10 (stale HOSTTXLEFT from the prior short IN leaked through)", out.Actual)
	}
}

// Scenario from SPEC_FULL.md §4.5/§9: the root hub's virtual interrupt-in
// status-change pipe reports a one-byte bitmap with bit 1 set once a port
// change is pending (here, the C_PORT_RESET latch from a SET_FEATURE).
func TestHubStatusPipeReportsPortChange(t *testing.T) {
	c, _ := newAttached(t, &mockPeer{})

	setAddr := &sl811hs.IORequest{Cmd: sl811hs.CmdControlXfer, DevAddr: 0, MaxPkt: 8}
	setAddr.Setup[1] = 0x05
	binary.LittleEndian.PutUint16(setAddr.Setup[2:4], 7)
	if err := c.BeginIO(setAddr); err != nil {
		t.Fatalf("SET_ADDRESS: %v", err)
	}

	reset := &sl811hs.IORequest{Cmd: sl811hs.CmdControlXfer, DevAddr: 7, MaxPkt: 8}
	reset.Setup[0], reset.Setup[1] = 0x23, 0x03 // SET_FEATURE, class, other
	binary.LittleEndian.PutUint16(reset.Setup[2:4], 4)
	binary.LittleEndian.PutUint16(reset.Setup[4:6], 1)
	if err := c.BeginIO(reset); err != nil {
		t.Fatalf("SET_FEATURE(PORT_RESET): %v", err)
	}

	pipe := &sl811hs.IORequest{
		Cmd: sl811hs.CmdIntXfer, DevAddr: 7, Endpoint: 1, MaxPkt: 1,
		Dir: sl811hs.DirIn, Data: make([]byte, 1),
	}
	if err := c.BeginIO(pipe); err != nil {
		t.Fatalf("BeginIO(status pipe): %v", err)
	}
	if pipe.Actual != 1 || pipe.Data[0] != 1<<1 {
		t.Errorf("status bitmap = %+v, want one byte 0x02", pipe.Data[:pipe.Actual])
	}
}

// Until any port_change bit is pending, the status pipe NAKs rather than
// returning a zero bitmap — and that NAK is recovered through the same
// NAK-retry scheduler a real endpoint's NAK uses.
func TestHubStatusPipeNaksWithNoChangePending(t *testing.T) {
	c, _ := newAttached(t, &mockPeer{})

	setAddr := &sl811hs.IORequest{Cmd: sl811hs.CmdControlXfer, DevAddr: 0, MaxPkt: 8}
	setAddr.Setup[1] = 0x05
	binary.LittleEndian.PutUint16(setAddr.Setup[2:4], 7)
	if err := c.BeginIO(setAddr); err != nil {
		t.Fatalf("SET_ADDRESS: %v", err)
	}

	// Attach found the simulated peer connected, which latches
	// C_PORT_CONNECTION; acknowledge it so no port change is pending.
	ack := &sl811hs.IORequest{Cmd: sl811hs.CmdControlXfer, DevAddr: 7, MaxPkt: 8}
	ack.Setup[0], ack.Setup[1] = 0x23, 0x01 // CLEAR_FEATURE, class, other
	binary.LittleEndian.PutUint16(ack.Setup[2:4], 16) // C_PORT_CONNECTION
	binary.LittleEndian.PutUint16(ack.Setup[4:6], 1)
	if err := c.BeginIO(ack); err != nil {
		t.Fatalf("CLEAR_FEATURE(C_PORT_CONNECTION): %v", err)
	}

	pipe := &sl811hs.IORequest{
		Cmd: sl811hs.CmdIntXfer, DevAddr: 7, Endpoint: 1, MaxPkt: 1,
		Dir: sl811hs.DirIn, Data: make([]byte, 1),
		Flags: sl811hs.FlagNakTimeout, NakTimeout: 15 * time.Millisecond, Interval: 4 * time.Millisecond,
	}
	err := c.BeginIO(pipe)

	var xe *sl811hs.XferError
	if !errors.As(err, &xe) || xe.Kind != sl811hs.ErrNAKTimeout {
		t.Fatalf("err = %v, want ErrNAKTimeout", err)
	}
}

// AbortIO flags an in-flight request while the worker is blocked inside the
// peer call that backs it; the request is replied ABORTED once the peer
// call returns, rather than succeeding.
func TestAbortIOCancelsParkedTransfer(t *testing.T) {
	release := make(chan struct{})

	peer := &mockPeer{InFunc: func(ep uint8, data0 bool) ([]byte, uint8) {
		<-release
		return []byte{0x42}, 0x02
	}}
	c, _ := newAttached(t, peer)

	req := &sl811hs.IORequest{
		Cmd:      sl811hs.CmdIntXfer,
		DevAddr:  4,
		Endpoint: 1,
		MaxPkt:   8,
		Dir:      sl811hs.DirIn,
		Data:     make([]byte, 8),
		Flags:    sl811hs.FlagNakTimeout,
	}

	done := make(chan *sl811hs.IORequest, 1)
	go func() {
		c.BeginIO(req)
		done <- req
	}()

	time.Sleep(20 * time.Millisecond) // give the worker time to park inside peer.In
	c.AbortIO(req)
	close(release)

	select {
	case r := <-done:
		var xe *sl811hs.XferError
		if !errors.As(r.Err, &xe) || xe.Kind != sl811hs.ErrAborted {
			t.Fatalf("err = %v, want ErrAborted", r.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("BeginIO did not return after AbortIO + release")
	}
}
