package sl811hs

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// ControllerState is the controller-wide USB state.
type ControllerState int

const (
	StateReset ControllerState = iota
	StateOperational
	StateSuspended
	StateResuming
)

func (s ControllerState) String() string {
	switch s {
	case StateReset:
		return "reset"
	case StateOperational:
		return "operational"
	case StateSuspended:
		return "suspended"
	case StateResuming:
		return "resuming"
	default:
		return "unknown"
	}
}

// Config configures a Controller at attach time.
type Config struct {
	IRQ            int
	DefaultNakInterval time.Duration
	ErrataRevisionOverride byte // 0 means "trust the hardware revision byte"
	Debug          bool
}

// Controller owns one SL811HS-class chip instance: its register window,
// the two transaction slots, the toggle table, the virtual root hub, and
// the worker goroutine that serializes all access to them.
type Controller struct {
	cfg   Config
	rp    *rp
	revision byte

	slots    [2]*transactionSlot
	inFlight [2]*transactionSlot // indexed by slotID; non-nil iff armed
	slotMu   sync.Mutex          // guards inFlight, completed, rp shadow addr
	completed []*transactionSlot

	toggles toggleTable
	hub     rootHub

	state       ControllerState
	portScanned bool
	lowSpeed    bool

	inbox  chan *IORequest
	doneCh chan struct{}
	timerFired chan *nakRetry
	deathAck   chan struct{}

	wg sync.WaitGroup
}

// Attach probes the controller's hardware revision, spawns its worker, and
// returns a handle once the worker has confirmed it is running.
func Attach(win RegisterWindow, cfg Config) (*Controller, error) {
	probe := newRP(win, 0)
	revision := probe.readByte(regHWRevision)
	if !acceptableRevision(revision) {
		return nil, fmt.Errorf("sl811hs: unrecognized hardware revision 0x%02x", revision)
	}
	if cfg.ErrataRevisionOverride != 0 {
		revision = cfg.ErrataRevisionOverride
	}
	if cfg.DefaultNakInterval == 0 {
		cfg.DefaultNakInterval = defaultNakInterval
	}

	c := &Controller{
		cfg:      cfg,
		rp:       newRP(win, revision),
		revision: revision,
		slots:    newSlots(),
		inbox:    make(chan *IORequest, 16),
		doneCh:   make(chan struct{}, 1),
		timerFired: make(chan *nakRetry, 8),
		deathAck: make(chan struct{}),
	}

	c.hardReset()
	// Scan the port once synchronously, before the worker goroutine starts,
	// so a device already connected at attach time is enabled without
	// waiting on an interrupt the attach path itself never raises
	// (SPEC_FULL.md §4.4/§4.5).
	c.portScan()

	c.wg.Add(1)
	go c.run()

	if cfg.Debug {
		log.Printf("sl811hs: attached, revision=0x%02x irq=%d", revision, cfg.IRQ)
	}
	return c, nil
}

// acceptableRevision treats the revision probe as "is this chip family
// present?" rather than requiring an exact byte match — see the Open
// Question resolution in SPEC_FULL.md §9.
func acceptableRevision(revision byte) bool {
	return revision == 0x01 || revision == 0x02 || revision == 0x05 || revision == 0x15
}

// hardReset restores power-on register values.
func (c *Controller) hardReset() {
	c.rp.writeByte(regIntEnable, 0)
	c.rp.writeByte(regIntStatus, 0xff)
	c.rp.writeByte(regControl1, 0)
	c.rp.writeByte(regControl2, ctrl2Master)
	for _, s := range c.slots {
		c.rp.writeByte(s.regBase()+regHostCtrl, 0)
	}
	c.toggles.clearAll()
	c.hub = rootHub{}
	c.state = StateReset
}

// Detach posts the death command, waits for the worker to unwind, and
// leaves the chip back at power-on register values.
func (c *Controller) Detach() {
	c.inbox <- &IORequest{Cmd: cmdDeath}
	<-c.deathAck
	c.wg.Wait()
	c.hardReset()
	if c.cfg.Debug {
		log.Printf("sl811hs: detached")
	}
}

// BeginIO enqueues a request onto the worker. CmdQueryDevice is answered
// in-line rather than round-tripped through the worker, since it only
// reads immutable/atomic-ish fields.
func (c *Controller) BeginIO(req *IORequest) error {
	if req == nil {
		return &XferError{Kind: ErrBadParams}
	}
	if err := validateRequest(req); err != nil {
		return err
	}
	if req.Cmd == CmdQueryDevice {
		req.Query = &DeviceInfo{
			Manufacturer: "Cypress",
			Product:      "SL811HS",
			Description:  "USB 1.1 Host",
			Revision:     c.revision,
			State:        c.state,
		}
		return nil
	}

	req.reply = make(chan *IORequest, 1)
	c.inbox <- req
	<-req.reply
	return req.Err
}

func validateRequest(req *IORequest) error {
	switch req.Cmd {
	case CmdControlXfer, CmdBulkXfer, CmdIntXfer, CmdIsoXfer:
		if req.DevAddr > 127 || req.Endpoint > 15 {
			return &XferError{Kind: ErrBadParams}
		}
	case CmdReset, CmdFlush, CmdUSBReset, CmdUSBOperational, CmdUSBSuspend, CmdUSBResume, CmdQueryDevice:
		// no further validation
	default:
		return &XferError{Kind: ErrNoCmd}
	}
	return nil
}

// AbortIO flags a request for cancellation. The worker observes the flag
// when it handles the completion of the request's current or next
// transaction.
func (c *Controller) AbortIO(req *IORequest) {
	c.slotMu.Lock()
	req.aborted = true
	c.slotMu.Unlock()
}

func (c *Controller) driveUSBReset() {
	c.rp.writeByte(regControl1, c.rp.readByte(regControl1)|ctl1USBReset)
	time.Sleep(10 * time.Millisecond)
	c.rp.writeByte(regControl1, c.rp.readByte(regControl1)&^ctl1USBReset|ctl1SOFEnable)
	c.toggles.clearAll()
	c.state = StateOperational
}

func (c *Controller) driveSuspend() {
	c.rp.writeByte(regControl1, c.rp.readByte(regControl1)|ctl1Suspend)
	c.state = StateSuspended
}

func (c *Controller) driveResume() {
	c.state = StateResuming
	c.rp.writeByte(regControl1, c.rp.readByte(regControl1)&^uint8(ctl1Suspend))
	c.state = StateOperational
}
