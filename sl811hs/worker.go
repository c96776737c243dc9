package sl811hs

import (
	"log"
	"time"
)

// OnInterrupt is the interrupt handler hook (SPEC_FULL.md §9): the thing
// that owns the real IRQ line, or the simulator's synchronous callback,
// invokes this whenever the chip raises its line. It must never block.
func (c *Controller) OnInterrupt() {
	c.handleInterrupt()
}

// run is the Worker Task event loop: a single goroutine selecting over the
// command inbox, the interrupt-done signal, and NAK retry timers, the same
// three-source wait-multiplexer shape SPEC_FULL.md §4.6 describes and the
// same select-over-channels idiom this dependency tree uses for its own
// background polling loops.
func (c *Controller) run() {
	defer c.wg.Done()

	packetsActive := make([]*IORequest, 0, 4)

	for {
		select {
		case retry := <-c.timerFired:
			req := retry.req
			req.nak = nil
			req.nakElapsed += retry.interval
			if req.Flags&FlagNakTimeout != 0 && req.nakElapsed >= req.NakTimeout {
				c.reply(req.fail(ErrNAKTimeout))
			} else {
				packetsActive = append(packetsActive, req)
			}

		case <-c.doneCh:
			if !c.portScanned {
				c.portScan()
			}
			c.drainCompleted(&packetsActive)

		case req := <-c.inbox:
			if req.Cmd == cmdDeath {
				c.shutdown(packetsActive)
				return
			}
			c.dispatchCommand(req, &packetsActive)
		}

		c.drainActive(&packetsActive)
	}
}

// shutdown replies ABORTED to every request still in flight and wakes
// Detach.
func (c *Controller) shutdown(packetsActive []*IORequest) {
	c.slotMu.Lock()
	for _, s := range c.inFlight {
		if s != nil && s.req != nil {
			packetsActive = append(packetsActive, s.req)
		}
	}
	for _, s := range c.completed {
		if s.req != nil {
			packetsActive = append(packetsActive, s.req)
		}
	}
	c.slotMu.Unlock()
	for _, req := range packetsActive {
		req.fail(ErrAborted)
		c.reply(req)
	}
	for {
		select {
		case req := <-c.inbox:
			if req.Cmd != cmdDeath {
				req.fail(ErrAborted)
				c.reply(req)
			}
		default:
			close(c.deathAck)
			return
		}
	}
}

// dispatchCommand handles one freshly-dequeued request: lifecycle commands
// run to completion immediately; transfer commands get their RSM initial
// state set and are appended to the active queue.
func (c *Controller) dispatchCommand(req *IORequest, packetsActive *[]*IORequest) {
	switch req.Cmd {
	case CmdReset:
		c.hardReset()
		c.reply(req.succeed())
	case CmdFlush:
		c.slotMu.Lock()
		for _, s := range c.inFlight {
			if s != nil && s.req != nil {
				s.req.aborted = true
			}
		}
		c.slotMu.Unlock()
		c.reply(req.succeed())
	case CmdUSBReset:
		c.driveUSBReset()
		c.reply(req.succeed())
	case CmdUSBOperational:
		c.state = StateOperational
		c.reply(req.succeed())
	case CmdUSBSuspend:
		c.driveSuspend()
		c.reply(req.succeed())
	case CmdUSBResume:
		c.driveResume()
		c.reply(req.succeed())
	case CmdControlXfer, CmdBulkXfer, CmdIntXfer, CmdIsoXfer:
		if req.DevAddr == c.hub.address {
			if req.Cmd == CmdControlXfer {
				c.handleRootHubRequest(req)
				c.reply(req)
				return
			}
			// Only the virtual interrupt-in status pipe exists on the
			// hub's own address besides its control endpoint.
			if req.Cmd != CmdIntXfer {
				c.reply(req.fail(ErrBadParams))
				return
			}
			*packetsActive = append(*packetsActive, req)
			return
		}
		c.initRSM(req)
		*packetsActive = append(*packetsActive, req)
	default:
		c.reply(req.fail(ErrNoCmd))
	}
}

func (c *Controller) initRSM(req *IORequest) {
	switch req.Cmd {
	case CmdControlXfer:
		req.state = stateSetupStart
	case CmdBulkXfer:
		req.state = stateBulk
	case CmdIntXfer:
		req.state = stateInterrupt
	case CmdIsoXfer:
		req.state = stateIso
	}
}

// drainCompleted pops finished slots off the completed queue, finalizes
// them through the Transaction Engine, and frees the slot. Requests that
// come back unit-busy (sequence mismatch) are put back on the active queue
// to repeat the same transaction.
func (c *Controller) drainCompleted(packetsActive *[]*IORequest) {
	c.slotMu.Lock()
	done := c.completed
	c.completed = nil
	c.slotMu.Unlock()

	for _, s := range done {
		req := s.req
		iso := req != nil && (req.Cmd == CmdIsoXfer)

		c.slotMu.Lock()
		aborted := req != nil && req.aborted
		c.slotMu.Unlock()

		comp := s.complete(c.rp, &c.toggles, iso, aborted)

		c.slotMu.Lock()
		c.inFlight[s.id] = nil
		c.slotMu.Unlock()

		if req == nil {
			continue
		}
		if comp.seqRetry {
			*packetsActive = append(*packetsActive, req)
			continue
		}
		c.advanceRSM(req, comp, packetsActive)
	}
}

// advanceRSM applies a transaction's outcome to its request's state
// machine (SPEC_FULL.md §4.4) and either queues the next transaction or
// replies.
func (c *Controller) advanceRSM(req *IORequest, comp completion, packetsActive *[]*IORequest) {
	if comp.kind == ErrNAK {
		c.scheduleNakRetry(req)
		return
	}
	if comp.kind != ErrNone {
		if comp.kind == ErrRuntPacket && req.Flags&FlagAllowRunt != 0 {
			comp.kind = ErrNone
		} else {
			c.reply(req.fail(comp.kind))
			return
		}
	}

	switch req.Cmd {
	case CmdControlXfer:
		c.advanceControl(req, comp)
	case CmdBulkXfer:
		c.advanceBulk(req, comp)
	default: // interrupt, isochronous: one transaction and done
		req.Actual = comp.rxLen
		c.reply(req.succeed())
	}

	if req.state != stateDone {
		*packetsActive = append(*packetsActive, req)
	}
}

func (c *Controller) advanceControl(req *IORequest, comp completion) {
	switch req.state {
	case stateSetupStart:
		if len(req.Data) == 0 {
			req.state = stateSetupStatus
		} else {
			req.state = stateSetupData
		}
	case stateSetupData:
		req.Actual += comp.rxLen
		if req.Actual >= len(req.Data) || comp.rxLen < req.MaxPkt {
			req.state = stateSetupStatus
		}
	case stateSetupStatus:
		c.reply(req.succeed())
	}
}

func (c *Controller) advanceBulk(req *IORequest, comp completion) {
	req.Actual += comp.rxLen
	if req.Actual >= len(req.Data) || (comp.rxLen < req.MaxPkt && req.Dir == DirIn) {
		c.reply(req.succeed())
	}
}

// drainActive issues transactions for the head of the active queue until a
// slot is unavailable or the controller can only host two at a time.
func (c *Controller) drainActive(packetsActive *[]*IORequest) {
	for len(*packetsActive) > 0 {
		req := (*packetsActive)[0]
		out := c.perform(req)
		switch out {
		case outActive:
			// The slot now owns the request; drainCompleted re-queues it if
			// it needs another transaction.
			*packetsActive = (*packetsActive)[1:]
			return
		case outBusy:
			return
		case outDone:
			*packetsActive = (*packetsActive)[1:]
		}
	}
}

// performHubStatusPipe answers the hub's virtual interrupt-in endpoint
// (SPEC_FULL.md §4.5, §9) on every pass through the active queue: a
// one-byte bitmap with bit 1 set whenever port_change is non-zero, or a
// NAK — recovered through the same NAK-retry scheduler a real endpoint
// uses — when there is nothing to report yet.
func (c *Controller) performHubStatusPipe(req *IORequest) outcome {
	if c.hub.change != 0 && len(req.Data) >= 1 {
		req.Data[0] = 1 << 1
		req.Actual = 1
		c.reply(req.succeed())
		return outDone
	}
	c.scheduleNakRetry(req)
	return outDone
}

// perform computes the next transaction for a request per its RSM state
// and arms it on a free slot.
func (c *Controller) perform(req *IORequest) outcome {
	if req.DevAddr == c.hub.address {
		return c.performHubStatusPipe(req)
	}
	if c.state == StateSuspended || c.hub.status&portEnable == 0 {
		c.reply(req.fail(ErrUSBOffline))
		return outDone
	}

	c.slotMu.Lock()
	var slot *transactionSlot
	for i, s := range c.inFlight {
		if s != nil || c.slotAwaitingDrainLocked(slotID(i)) {
			continue
		}
		slot = c.slots[i]
		break
	}
	if slot == nil {
		c.slotMu.Unlock()
		return outBusy
	}
	c.inFlight[slot.id] = slot
	c.slotMu.Unlock()

	pid, dir, length, dataOff, toggle, iso := c.nextTransaction(req)
	slot.req = req
	data := req.Data
	if pid == pidSETUP {
		data, dataOff = req.Setup[:], 0
	}
	slot.issue(c.rp, pid, req.Endpoint, req.DevAddr, data, dataOff, length, dir, toggle, iso, c.lowSpeed, sofBitsRemaining(c.rp))
	return outActive
}

func (c *Controller) nextTransaction(req *IORequest) (pid uint8, dir Direction, length int, dataOff int, toggle bool, iso bool) {
	switch req.Cmd {
	case CmdControlXfer:
		return c.nextControlTransaction(req)
	case CmdBulkXfer:
		remaining := len(req.Data) - req.Actual
		length = remaining
		if length > req.MaxPkt {
			length = req.MaxPkt
		}
		if length > 64 {
			length = 64
		}
		pid = pidOUT
		if req.Dir == DirIn {
			pid = pidIN
		}
		return pid, req.Dir, length, req.Actual, c.toggles.bit(req.DevAddr, req.Endpoint, req.Dir == DirOut), false
	case CmdIntXfer:
		pid = pidOUT
		if req.Dir == DirIn {
			pid = pidIN
		}
		length = len(req.Data)
		if length > req.MaxPkt {
			length = req.MaxPkt
		}
		return pid, req.Dir, length, 0, c.toggles.bit(req.DevAddr, req.Endpoint, req.Dir == DirOut), false
	case CmdIsoXfer:
		pid = pidOUT
		if req.Dir == DirIn {
			pid = pidIN
		}
		length = len(req.Data)
		if length > req.MaxPkt {
			length = req.MaxPkt
		}
		return pid, req.Dir, length, 0, false, true
	}
	return 0, DirIn, 0, 0, false, false
}

func (c *Controller) nextControlTransaction(req *IORequest) (pid uint8, dir Direction, length int, dataOff int, toggle bool, iso bool) {
	switch req.state {
	case stateSetupStart:
		// Both toggles of the endpoint are cleared before every SETUP; the
		// SETUP's ACK then flips the IN toggle, so an IN data phase starts
		// at DATA1.
		c.toggles.set(req.DevAddr, req.Endpoint, false, false)
		c.toggles.set(req.DevAddr, req.Endpoint, true, false)
		return pidSETUP, DirOut, 8, -1, false, false
	case stateSetupData:
		remaining := len(req.Data) - req.Actual
		length = remaining
		if length > req.MaxPkt {
			length = req.MaxPkt
		}
		pid = pidIN
		if req.Dir == DirOut {
			pid = pidOUT
		}
		return pid, req.Dir, length, req.Actual, c.toggles.bit(req.DevAddr, req.Endpoint, req.Dir == DirOut), false
	case stateSetupStatus:
		// status phase direction is opposite the data phase (or IN if no data)
		if req.Dir == DirOut || len(req.Data) == 0 {
			return pidIN, DirIn, 0, 0, true, false
		}
		return pidOUT, DirOut, 0, 0, true, false
	}
	return 0, DirIn, 0, 0, false, false
}

// sofBitsRemaining is a placeholder accessor over SOFHIGH/SOFLOW; real
// hardware exposes the remaining bit-times in the current frame there.
func sofBitsRemaining(r *rp) int {
	return int(r.readByte(regSOFHigh))<<8 | 0xff
}

func (c *Controller) scheduleNakRetry(req *IORequest) {
	interval := req.Interval
	if interval == 0 {
		interval = req.NakTimeout / 16
	}
	if interval == 0 {
		interval = c.cfg.DefaultNakInterval
	}
	retry := &nakRetry{req: req, interval: interval}
	req.nak = retry
	retry.timer = time.AfterFunc(interval, func() {
		select {
		case c.timerFired <- retry:
		default:
			if c.cfg.Debug {
				log.Printf("sl811hs: dropped NAK retry wakeup, timer channel full")
			}
		}
	})
}

func (c *Controller) reply(req *IORequest) {
	if req.reply != nil {
		req.reply <- req
	}
}
