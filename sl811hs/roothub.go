package sl811hs

import "encoding/binary"

// Standard USB request codes the virtual root hub answers.
const (
	reqGetStatus        = 0x00
	reqClearFeature     = 0x01
	reqSetFeature       = 0x03
	reqSetAddress       = 0x05
	reqGetDescriptor    = 0x06
	reqGetConfiguration = 0x08
	reqSetConfiguration = 0x09
)

// Hub-class and port feature selectors (USB 1.1 hub class, table 11-17).
const (
	featPortConnection  = 0
	featPortEnable      = 1
	featPortSuspend     = 2
	featPortOverCurrent = 3
	featPortReset       = 4
	featPortPower       = 8
	featPortLowSpeed    = 9

	featCPortConnection  = 16
	featCPortEnable      = 17
	featCPortSuspend     = 18
	featCPortOverCurrent = 19
	featCPortReset       = 20
)

// Port status/change bits (wPortStatus / wPortChange).
const (
	portConnection = 1 << 0
	portEnable     = 1 << 1
	portSuspend    = 1 << 2
	portOverCurrent = 1 << 3
	portReset      = 1 << 4
	portPower      = 1 << 8
	portLowSpeed   = 1 << 9
)

// rootHub is the virtual single-port hub (VRH). It intercepts every
// request addressed to its own device address and answers standard and
// hub-class requests out of local state instead of the wire.
type rootHub struct {
	address uint8 // 0 until SET_ADDRESS; non-zero once enumerated
	config  uint8
	status  uint16
	change  uint16
}

// Root-hub descriptor bytes, recovered in SPEC_FULL.md §4.5.1 from the
// original driver's static tables.
var rootHubDeviceDescriptor = []byte{
	18, 1, // bLength, bDescriptorType=DEVICE
	0x00, 0x02, // bcdUSB = 0200
	9, 0, 0, // class=Hub, subclass=0, protocol=0
	8,          // bMaxPacketSize0
	0xb4, 0x04, // idVendor = 0x04b4 (Cypress)
	0x50, 0x20, // idProduct = 0x2050
	0x00, 0x01, // bcdDevice = 0100
	0, 0, 0, // no string descriptors
	1, // bNumConfigurations
}

// bLength, bDescriptorType=CONFIGURATION, wTotalLength(2-3, filled in below),
// bNumInterfaces, bConfigurationValue, iConfiguration, bmAttributes, bMaxPower
var rootHubConfigDescriptor = []byte{9, 2, 0, 0, 1, 1, 0, 0xe0, 0}
var rootHubInterfaceDescriptor = []byte{9, 4, 0, 0, 1, 9, 0, 0, 0} // class=Hub
var rootHubEndpointDescriptor = []byte{7, 5, 0x81, 3, 1, 0, 255}   // EP1 IN interrupt, wMaxPacketSize=1, bInterval=255
var rootHubHubDescriptor = []byte{
	9, 0x29, // bLength, DESCRIPTOR_HUB
	1,          // bNbrPorts
	0x00, 0x00, // wHubCharacteristics: ganged power, not compound
	50,         // bPwrOn2PwrGood
	0,          // bHubContrCurrent
	0x00, 0xff, // DeviceRemovable, PortPwrCtrlMask
}

func rootHubConfigBundle() []byte {
	wTotalLength := len(rootHubConfigDescriptor) + len(rootHubInterfaceDescriptor) + len(rootHubEndpointDescriptor) + len(rootHubHubDescriptor)
	buf := make([]byte, 0, wTotalLength)
	buf = append(buf, rootHubConfigDescriptor...)
	binary.LittleEndian.PutUint16(buf[2:4], 0) // placeholder, fixed below
	buf = append(buf, rootHubInterfaceDescriptor...)
	buf = append(buf, rootHubEndpointDescriptor...)
	buf = append(buf, rootHubHubDescriptor...)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(wTotalLength))
	buf[4] = 1 // bNumInterfaces
	buf[5] = 1 // bConfigurationValue
	return buf
}

// handleRootHubRequest answers a request addressed to the hub's own device address.
// Returns true if it fully handled the request (the caller never submits a
// transaction for it).
func (c *Controller) handleRootHubRequest(req *IORequest) bool {
	h := &c.hub
	setup := req.Setup
	bmRequestType := setup[0]
	bRequest := setup[1]
	wValue := binary.LittleEndian.Uint16(setup[2:4])
	wIndex := binary.LittleEndian.Uint16(setup[4:6])
	wLength := binary.LittleEndian.Uint16(setup[6:8])

	isClass := bmRequestType&0x60 == 0x20
	isOtherRecipient := bmRequestType&0x1f == 0x03 // port

	switch {
	case !isClass && bRequest == reqSetAddress:
		h.address = uint8(wValue)
		req.Actual = 0
		return finishOK(req)

	case !isClass && bRequest == reqGetDescriptor:
		return c.hubGetDescriptor(req, wValue, wLength)

	case !isClass && bRequest == reqGetConfiguration:
		req.Data[0] = h.config
		req.Actual = 1
		return finishOK(req)

	case !isClass && bRequest == reqSetConfiguration:
		h.config = uint8(wValue)
		return finishOK(req)

	case !isClass && bRequest == reqGetStatus:
		if len(req.Data) >= 2 {
			req.Data[0], req.Data[1] = 0x01, 0x00 // self-powered
		}
		req.Actual = 2
		return finishOK(req)

	case isClass && bRequest == reqGetStatus:
		if len(req.Data) >= 4 {
			if isOtherRecipient {
				binary.LittleEndian.PutUint16(req.Data[0:2], h.status)
				binary.LittleEndian.PutUint16(req.Data[2:4], h.change)
			} else {
				binary.LittleEndian.PutUint16(req.Data[0:2], 0)
				binary.LittleEndian.PutUint16(req.Data[2:4], 0)
			}
		}
		req.Actual = 4
		return finishOK(req)

	case isClass && bRequest == reqGetDescriptor:
		n := copy(req.Data, rootHubHubDescriptor)
		req.Actual = n
		return finishOK(req)

	case isClass && bRequest == reqSetFeature && isOtherRecipient:
		return c.hubSetPortFeature(req, wValue)

	case isClass && bRequest == reqClearFeature && isOtherRecipient:
		return c.hubClearPortFeature(req, wValue)

	default:
		_ = wIndex
		return finishErr(req, ErrBadParams)
	}
}

func (c *Controller) hubGetDescriptor(req *IORequest, wValue uint16, wLength uint16) bool {
	descType := wValue >> 8
	var src []byte
	switch descType {
	case 0x01:
		src = rootHubDeviceDescriptor
	case 0x02:
		src = rootHubConfigBundle()
	case 0x03:
		if wValue&0xff != 0 {
			return finishErr(req, ErrBadParams)
		}
		src = []byte{4, 3, 0x09, 0x04} // string index 0: LANGID 0x0409
	default:
		return finishErr(req, ErrBadParams)
	}
	n := len(src)
	if n > int(wLength) {
		n = int(wLength)
	}
	if n > len(req.Data) {
		n = len(req.Data)
	}
	copy(req.Data, src[:n])
	req.Actual = n
	return finishOK(req)
}

func (c *Controller) hubSetPortFeature(req *IORequest, feature uint16) bool {
	h := &c.hub
	switch feature {
	case featPortReset:
		h.status |= portReset
		c.driveUSBReset()
		h.status &^= portReset
		h.status |= portEnable
		h.change |= portReset << 0 // reuse bit position for change latch
		h.change |= 1 << 4
	case featPortPower:
		h.status |= portPower
	case featPortSuspend:
		h.status |= portSuspend
		c.driveSuspend()
	case featPortEnable:
		h.status |= portEnable
	default:
		return finishErr(req, ErrBadParams)
	}
	return finishOK(req)
}

func (c *Controller) hubClearPortFeature(req *IORequest, feature uint16) bool {
	h := &c.hub
	switch {
	case feature == featPortEnable:
		h.status &^= portEnable
	case feature == featPortPower:
		h.status &^= portPower
	case feature == featPortSuspend:
		h.status &^= portSuspend
		c.driveResume()
	case feature >= 16:
		h.change &^= 1 << (feature - 16)
	default:
		return finishErr(req, ErrBadParams)
	}
	return finishOK(req)
}

func finishOK(req *IORequest) bool {
	req.succeed()
	return true
}

func finishErr(req *IORequest, kind XferKind) bool {
	req.fail(kind)
	return true
}

// portScan samples hardware connect/speed state and updates port
// status/change. Called from the worker whenever the interrupt path
// cleared the "scanned" flag (SPEC_FULL.md §4.5).
func (c *Controller) portScan() {
	status := c.rp.readByte(regIntStatus)
	connected := status&intFullSpeed != 0 || status&intDetect != 0
	was := c.hub.status&portConnection != 0

	if connected && !was {
		// A freshly-detected port comes up enabled without requiring an
		// explicit PORT_RESET first: SPEC_FULL.md §8 scenarios 4-6 submit
		// transfers straight after attach, and I4 only requires port-enable
		// to fall, not to need a handshake to rise.
		c.hub.status |= portConnection | portEnable
		c.hub.change |= 1 << 0
	} else if !connected && was {
		c.hub.status &^= portConnection | portEnable
		c.hub.change |= 1 << 0
	}

	c.lowSpeed = connected && status&intFullSpeed == 0
	if c.lowSpeed {
		c.hub.status |= portLowSpeed
		c.rp.writeByte(regControl1, c.rp.readByte(regControl1)|ctl1LowSpeed)
	} else {
		c.hub.status &^= portLowSpeed
		c.rp.writeByte(regControl1, c.rp.readByte(regControl1)&^uint8(ctl1LowSpeed))
	}

	c.portScanned = true
}
