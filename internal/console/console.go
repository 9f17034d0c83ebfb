// Package console is the headless guest console behind the console-io
// hypercall. Guest output feeds a terminal emulator so the screen can be
// inspected; host input is exposed to the guest as a nonblocking byte
// stream.
package console

import (
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"
	"github.com/charmbracelet/x/vt"
)

type Console struct {
	emu *vt.SafeEmulator

	// Pipe used to expose VT-generated input as an io.Reader.
	inR *io.PipeReader
	inW *io.PipeWriter

	// inputQ decouples VT input generation from the downstream pipe write so
	// emulator replies never block on a guest that is not reading.
	inputQ chan []byte

	mu      sync.Mutex
	pending []byte

	closeOnce sync.Once
	closeCh   chan struct{}
}

func New(cols, rows int) *Console {
	if cols < 1 {
		cols = 80
	}
	if rows < 1 {
		rows = 25
	}

	emu := vt.NewSafeEmulator(cols, rows)
	disableVTQueriesThatBreakGuests(emu)

	inR, inW := io.Pipe()

	c := &Console{
		emu:     emu,
		inR:     inR,
		inW:     inW,
		inputQ:  make(chan []byte, 1024),
		closeCh: make(chan struct{}),
	}

	go c.readVTIntoQueue()
	go c.drainQueueToPipe()
	go c.bufferInput()

	return c
}

// disableVTQueriesThatBreakGuests prevents the VT emulator from writing
// automatic "terminal replies" (like cursor position reports) into the input
// stream. Guest userspace can end up echoing these bytes, which appears as a
// constant stream of stuck input.
func disableVTQueriesThatBreakGuests(emu *vt.SafeEmulator) {
	// Device Status Report (DSR): CSI n
	emu.RegisterCsiHandler('n', func(params ansi.Params) bool {
		n, _, ok := params.Param(0, 1)
		if !ok || n == 0 {
			return false
		}
		switch n {
		case 5, 6:
			return true
		default:
			return false
		}
	})

	// DEC private DSR: CSI ? n
	emu.RegisterCsiHandler(ansi.Command('?', 0, 'n'), func(params ansi.Params) bool {
		n, _, ok := params.Param(0, 1)
		if !ok || n == 0 {
			return false
		}
		return n == 6
	})

	// Device Attributes: CSI c and CSI > c
	emu.RegisterCsiHandler('c', func(params ansi.Params) bool {
		n, _, _ := params.Param(0, 0)
		return n == 0
	})
	emu.RegisterCsiHandler(ansi.Command('>', 0, 'c'), func(params ansi.Params) bool {
		n, _, _ := params.Param(0, 0)
		return n == 0
	})
}

// Write feeds guest console output into the emulator.
func (c *Console) Write(p []byte) (int, error) {
	return c.emu.Write(p)
}

// Read drains buffered host input without blocking; a guest polling the
// console ring gets zero bytes when nothing is pending.
func (c *Console) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

// SendText injects host keystrokes for the guest to read.
func (c *Console) SendText(text string) {
	c.emu.SendText(text)
}

// Screen returns the emulator's visible cells, one string per row, with
// trailing blanks trimmed.
func (c *Console) Screen() []string {
	rows := make([]string, c.emu.Height())
	for y := range rows {
		var line strings.Builder
		for x := 0; x < c.emu.Width(); {
			cell := c.emu.CellAt(x, y)
			if cell == nil {
				line.WriteByte(' ')
				x++
				continue
			}
			line.WriteString(cell.Content)
			x += max(cell.Width, 1)
		}
		rows[y] = strings.TrimRight(line.String(), " ")
	}
	return rows
}

func (c *Console) Close() error {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		_ = c.emu.Close()
		_ = c.inW.Close()
		_ = c.inR.Close()
	})
	return nil
}

func (c *Console) readVTIntoQueue() {
	buf := make([]byte, 4096)
	for {
		n, err := c.emu.Read(buf)
		if n > 0 {
			b := make([]byte, n)
			copy(b, buf[:n])
			select {
			case c.inputQ <- b:
			case <-c.closeCh:
				close(c.inputQ)
				return
			}
		}
		if err != nil {
			close(c.inputQ)
			return
		}
	}
}

func (c *Console) drainQueueToPipe() {
	for {
		select {
		case b, ok := <-c.inputQ:
			if !ok {
				_ = c.inW.Close()
				return
			}
			for len(b) > 0 {
				n, err := c.inW.Write(b)
				if n > 0 {
					b = b[n:]
				}
				if err != nil || n == 0 {
					return
				}
			}
		case <-c.closeCh:
			_ = c.inW.Close()
			return
		}
	}
}

// bufferInput moves pipe bytes into the pending buffer the nonblocking Read
// path serves from.
func (c *Console) bufferInput() {
	buf := make([]byte, 4096)
	for {
		n, err := c.inR.Read(buf)
		if n > 0 {
			c.mu.Lock()
			c.pending = append(c.pending, buf[:n]...)
			c.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}
