package sl811hs

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MMIOWindow implements RegisterWindow over a real chip-select window
// mapped from a character device (typically /dev/uio0 or a narrowed
// /dev/mem mapping set up by the board's bootloader). It follows the same
// open-fd-then-mmap-via-x/sys shape the rest of this dependency tree uses
// for raw device access: golang.org/x/sys/unix carries the mmap call and
// its PROT_*/MAP_* constants rather than hand-rolled syscall numbers.
type MMIOWindow struct {
	f    *os.File
	mem  []byte
	addr int // offset of the address register within mem
	data int // offset of the data register within mem
}

// OpenMMIO maps length bytes of path starting at offset, and treats the
// bytes at addrOffset/dataOffset within that mapping as the chip's address
// and data registers.
func OpenMMIO(path string, offset int64, length int, addrOffset, dataOffset int) (*MMIOWindow, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("sl811hs: open %s: %w", path, err)
	}
	mem, err := unix.Mmap(int(f.Fd()), offset, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("sl811hs: mmap %s: %w", path, err)
	}
	if addrOffset >= length || dataOffset >= length {
		unix.Munmap(mem)
		f.Close()
		return nil, fmt.Errorf("sl811hs: register offsets out of range of %d-byte window", length)
	}
	return &MMIOWindow{f: f, mem: mem, addr: addrOffset, data: dataOffset}, nil
}

// ReadByte implements RegisterWindow. port 0 is the address register, port
// 1 is the data register, matching the two-port convention used throughout
// this package.
func (m *MMIOWindow) ReadByte(port uint8) byte {
	if port == 0 {
		return m.mem[m.addr]
	}
	return m.mem[m.data]
}

func (m *MMIOWindow) WriteByte(port uint8, val byte) {
	if port == 0 {
		m.mem[m.addr] = val
		return
	}
	m.mem[m.data] = val
}

// Close unmaps the register window and closes the backing file.
func (m *MMIOWindow) Close() error {
	if m.mem != nil {
		if err := unix.Munmap(m.mem); err != nil {
			return err
		}
		m.mem = nil
	}
	return m.f.Close()
}
