package simulator

import "sync"

// Register offsets and bits duplicated from the core package's unexported
// register map (SPEC_FULL.md §6) since the simulator has to decode writes
// the same way real silicon would, and the core deliberately doesn't
// export its register constants.
const (
	regHostCtrl   = 0x00
	regHostBase   = 0x01
	regHostLen    = 0x02
	regHostStatus = 0x03
	regHostTxLeft = 0x04
	regControl1   = 0x05
	regIntEnable  = 0x06
	regIntStatus  = 0x0d
	regHWRevision = 0x0e
	regSOFHigh    = 0x0f

	slotBBase = 0x08

	// fifoSpan is how large the memory-backed register array must be to
	// cover both banks' data-FIFO addresses (sl811hs.fifoBaseB+fifoCap),
	// which the core driver keeps disjoint from the 0x00-0x0f register
	// file proper.
	fifoSpan = 0x90

	ctrlDirOut = 1 << 2
	ctrlEnable = 1 << 1
	ctrlArm    = 1 << 0
	ctrlData1  = 1 << 6

	statStall = 1 << 7
	statNAK   = 1 << 6
	statSetup = 1 << 4
	statACK   = 1 << 0

	intUSBA      = 1 << 0
	intUSBB      = 1 << 1
	intDetect    = 1 << 6
	intFullSpeed = 1 << 7
)

const (
	pidSETUP = 0xd
	pidIN    = 0x9
	pidOUT   = 0x1

	handshakeACK   = 0x02
	handshakeNAK   = 0x0a
	handshakeSTALL = 0x0e
)

// Simulator is a RegisterWindow backed entirely by memory: it answers the
// two-port (address, data) protocol real silicon uses and dispatches
// completed transactions to a Peer, the way original_source's
// sl811hs_sim.c drove a usbsim_* callback set from the same register
// pokes the real chip would see.
type Simulator struct {
	mu      sync.Mutex
	regs    [fifoSpan]byte
	addrLat uint8

	peer    Peer
	irq     func()
	inIRQ   bool // reentrancy guard, mirrors original ss_InIrq
	connected bool
}

// NewSimulator creates a simulator wired to peer. onInterrupt is called
// (outside the simulator's own lock) whenever INTSTATUS gains a bit the
// real chip would have asserted its IRQ line for; pass it to
// Controller.OnInterrupt.
func NewSimulator(peer Peer, onInterrupt func()) *Simulator {
	s := &Simulator{peer: peer, irq: onInterrupt, connected: true}
	s.regs[regHWRevision] = 0x02
	return s
}

// SetInterruptHandler wires the callback invoked whenever the simulated
// chip would assert its IRQ line. It exists because the callback usually
// closes over the *sl811hs.Controller returned by Attach, which can only
// be constructed after the RegisterWindow (this Simulator) already
// exists.
func (s *Simulator) SetInterruptHandler(onInterrupt func()) {
	s.mu.Lock()
	s.irq = onInterrupt
	s.mu.Unlock()
}

// SetConnected simulates plugging or unplugging the attached peer; it
// latches DETECT in INTSTATUS and raises the interrupt line at once.
func (s *Simulator) SetConnected(connected bool) {
	s.mu.Lock()
	s.connected = connected
	s.regs[regIntStatus] |= intDetect
	s.mu.Unlock()
	s.raiseIRQ()
}

func (s *Simulator) ReadByte(port uint8) byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if port == 0 {
		return s.addrLat
	}
	if s.addrLat == regIntStatus {
		// FULLSPEED is a live line-state bit, not a latched one: it tracks
		// the peer being connected on every read rather than only the
		// moment SetConnected last raised DETECT.
		v := s.regs[regIntStatus]
		if s.connected {
			v |= intFullSpeed
		}
		return v
	}
	return s.regs[s.addrLat]
}

func (s *Simulator) WriteByte(port uint8, val byte) {
	if port == 0 {
		s.mu.Lock()
		s.addrLat = val
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	addr := s.addrLat
	if addr == regIntStatus {
		s.regs[addr] &^= val // write-1-to-clear
		s.mu.Unlock()
		return
	}
	s.regs[addr] = val
	armed := (addr == regHostCtrl || addr == slotBBase+regHostCtrl) && val&(ctrlArm|ctrlEnable) == ctrlArm|ctrlEnable
	s.mu.Unlock()

	if armed {
		s.runTransaction(addr - regHostCtrl)
	}
}

// runTransaction decodes one armed slot's registers and calls out to the
// peer, mirroring the host driver's Transaction Engine in reverse: instead
// of reading HOSTSTATUS back from the wire, it decides what HOSTSTATUS
// will say.
func (s *Simulator) runTransaction(bank uint8) {
	s.mu.Lock()
	if s.inIRQ {
		s.mu.Unlock()
		return
	}
	ctrl := s.regs[bank+regHostCtrl]
	base := s.regs[bank+regHostBase]
	length := int(s.regs[bank+regHostLen])
	id := s.regs[bank+regHostStatus] // HOSTID aliases HOSTSTATUS's address on write
	pid := id >> 4
	ep := id & 0x0f
	out := ctrl&ctrlDirOut != 0
	data0 := ctrl&ctrlData1 == 0
	var payload []byte
	if out && length > 0 {
		payload = append([]byte(nil), s.regs[base:int(base)+length]...)
	}
	connected := s.connected
	s.inIRQ = true
	s.mu.Unlock()

	var status byte
	var intBit byte
	if bank == slotBBase {
		intBit = intUSBB
	} else {
		intBit = intUSBA
	}

	txLeft := byte(length) // default: no bytes transferred
	if !connected {
		status = statStall
	} else {
		switch pid {
		case pidSETUP:
			hs := s.peer.Out(ep, true, data0, payload)
			status = handshakeToStatus(hs)
			if hs == handshakeACK {
				txLeft = 0
			}
		case pidOUT:
			hs := s.peer.Out(ep, false, data0, payload)
			status = handshakeToStatus(hs)
			if hs == handshakeACK {
				txLeft = 0
			}
		case pidIN:
			data, hs := s.peer.In(ep, data0)
			status = handshakeToStatus(hs)
			if hs == handshakeACK {
				n := 0
				if len(data) > 0 {
					s.mu.Lock()
					n = copy(s.regs[base:], data)
					s.mu.Unlock()
				}
				txLeft = byte(length - n)
			}
		}
	}

	s.mu.Lock()
	s.regs[bank+regHostStatus] = status
	s.regs[bank+regHostTxLeft] = txLeft
	s.regs[bank+regHostCtrl] &^= ctrlArm
	s.regs[regIntStatus] |= intBit
	s.inIRQ = false
	s.mu.Unlock()

	s.raiseIRQ()
}

func handshakeToStatus(hs uint8) byte {
	switch hs {
	case handshakeACK:
		return statACK
	case handshakeNAK:
		return statNAK
	case handshakeSTALL:
		return statStall
	default:
		return statStall
	}
}

func (s *Simulator) raiseIRQ() {
	if s.irq != nil {
		s.irq()
	}
}
