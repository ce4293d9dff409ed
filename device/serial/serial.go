// Package serial drives the legacy COM UARTs. The first port doubles as the
// earliest output channel on both sides of the boot handoff: the loader falls
// back to it when the firmware console is gone and the kernel adopts it as
// its console sink before any other device is initialized.
package serial

import "helios/kernel/cpu"

const (
	// COM1Base is the io port base for the first serial port.
	COM1Base = uint16(0x3f8)

	dataReg        = 0
	intEnableReg   = 1
	divisorLowReg  = 0
	divisorHighReg = 1
	fifoCtrlReg    = 2
	lineCtrlReg    = 3
	modemCtrlReg   = 4
	lineStatusReg  = 5

	// lineStatusTxReady is set when the transmit holding register can
	// accept another byte.
	lineStatusTxReady = 1 << 5

	// lineCtrl8N1 selects 8 data bits, no parity, one stop bit.
	lineCtrl8N1 = 0x03

	// lineCtrlDLAB exposes the divisor latch registers.
	lineCtrlDLAB = 0x80

	// divisor115200 programs the maximum standard baud rate.
	divisor115200 = 1
)

var (
	// the following functions are mocked by tests.
	portWriteByteFn = cpu.PortWriteByte
	portReadByteFn  = cpu.PortReadByte
)

// Writer exposes a UART as an io.Writer.
type Writer struct {
	base uint16
}

// NewWriter returns a Writer for the UART at the supplied port base. The
// device must be initialized via Init before the first Write.
func NewWriter(base uint16) *Writer {
	return &Writer{base: base}
}

// Init programs the UART for 115200 baud, 8 data bits, no parity, one stop
// bit with interrupts disabled; the port is polled.
func (w *Writer) Init() {
	portWriteByteFn(w.base+intEnableReg, 0x00)
	portWriteByteFn(w.base+lineCtrlReg, lineCtrlDLAB)
	portWriteByteFn(w.base+divisorLowReg, divisor115200)
	portWriteByteFn(w.base+divisorHighReg, 0x00)
	portWriteByteFn(w.base+lineCtrlReg, lineCtrl8N1)
	portWriteByteFn(w.base+fifoCtrlReg, 0xc7)
	portWriteByteFn(w.base+modemCtrlReg, 0x0b)
}

// Write implements io.Writer by emitting each byte out of the UART, waiting
// for the transmitter to drain in between. It never fails; the signature
// exists to satisfy the interface.
func (w *Writer) Write(p []byte) (int, error) {
	for _, b := range p {
		for portReadByteFn(w.base+lineStatusReg)&lineStatusTxReady == 0 {
		}
		portWriteByteFn(w.base+dataReg, b)
	}

	return len(p), nil
}
