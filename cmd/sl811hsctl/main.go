// Command sl811hsctl is a small diagnostic tool that attaches to an
// SL811HS-class controller, either real hardware behind an mmio window or
// the in-memory simulator, and issues a handful of requests against it.
// It carries no driver logic of its own — see sl811hs and simulator.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/ezrec/poseidon-sl811hs/sl811hs"
	"github.com/ezrec/poseidon-sl811hs/simulator"
)

func main() {
	var (
		useSim = flag.Bool("sim", true, "use the in-memory simulator instead of real hardware")
		mmioPath = flag.String("mmio", "/dev/uio0", "path to the mmio device when -sim=false")
		debug  = flag.Bool("debug", false, "enable verbose logging")
	)
	flag.Parse()

	var win sl811hs.RegisterWindow
	var ctrl *sl811hs.Controller

	if *useSim {
		sim := simulator.NewSimulator(&nullPeer{}, nil)
		win = sim
		c, err := sl811hs.Attach(win, sl811hs.Config{Debug: *debug})
		if err != nil {
			log.Fatalf("attach: %v", err)
		}
		ctrl = c
		sim.SetInterruptHandler(ctrl.OnInterrupt)
	} else {
		m, err := sl811hs.OpenMMIO(*mmioPath, 0, 0x1000, 0x00, 0x04)
		if err != nil {
			log.Fatalf("open mmio: %v", err)
		}
		defer m.Close()
		c, err := sl811hs.Attach(m, sl811hs.Config{Debug: *debug})
		if err != nil {
			log.Fatalf("attach: %v", err)
		}
		ctrl = c
	}
	defer ctrl.Detach()

	info := &sl811hs.IORequest{Cmd: sl811hs.CmdQueryDevice}
	if err := ctrl.BeginIO(info); err != nil {
		log.Fatalf("query: %v", err)
	}
	fmt.Printf("%s %s (%s), revision 0x%02x, state %s\n",
		info.Query.Manufacturer, info.Query.Product, info.Query.Description,
		info.Query.Revision, info.Query.State)

	buf := make([]byte, 18)
	req := &sl811hs.IORequest{
		Cmd:     sl811hs.CmdControlXfer,
		DevAddr: 0,
		MaxPkt:  8,
		Dir:     sl811hs.DirIn,
		Data:    buf,
	}
	req.Setup[0] = 0x80
	req.Setup[1] = 0x06
	binary.LittleEndian.PutUint16(req.Setup[2:4], 0x0100)
	binary.LittleEndian.PutUint16(req.Setup[6:8], uint16(len(buf)))

	if err := ctrl.BeginIO(req); err != nil {
		fmt.Fprintf(os.Stderr, "get device descriptor: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("device descriptor (%d bytes): % x\n", req.Actual, buf[:req.Actual])
}

// nullPeer answers every transaction with STALL; it exists so -sim works
// with nothing attached.
type nullPeer struct{}

func (nullPeer) Reset()                                                   {}
func (nullPeer) Out(ep uint8, setup, data0 bool, data []byte) uint8       { return 0x0e }
func (nullPeer) In(ep uint8, data0 bool) ([]byte, uint8)                  { return nil, 0x0e }
