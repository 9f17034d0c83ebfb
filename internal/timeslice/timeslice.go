// Package timeslice records how guest vCPUs spend their time. The clock
// publisher emits one record per runstate transition (how long the vCPU sat
// in the state it is leaving) and one per stolen-tick compensation, tagged
// with the owning domain. Records go to a process-wide binary trace that can
// be replayed offline.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

const (
	Magic   uint32 = 0x52545352 // "RSTR"
	Version uint32 = 1
)

type header struct {
	Magic       uint32
	Version     uint32
	KindsLength uint32
}

// Kind classifies one record. The first four match the guest-visible
// runstate values; Stolen accounts for preemption-timer ticks consumed while
// the vCPU was off the hardware thread.
type Kind uint32

const (
	KindRunning Kind = iota
	KindRunnable
	KindBlocked
	KindOffline
	KindStolen
)

var kindNames = map[Kind]string{
	KindRunning:  "running",
	KindRunnable: "runnable",
	KindBlocked:  "blocked",
	KindOffline:  "offline",
	KindStolen:   "stolen",
}

type record struct {
	Domid    uint32
	Kind     Kind
	Duration int64
}

var recordSize = binary.Size(record{})

type writer struct {
	w                   io.Writer
	writeThreadComplete chan error
	writerChan          chan record
}

func (w *writer) run() {
	defer close(w.writeThreadComplete)

	var buf [4096]byte
	off := 0

	// write records to the buffer flushing to the writer when the buffer is full
	for record := range w.writerChan {
		if off+recordSize > len(buf) {
			if _, err := w.w.Write(buf[:off]); err != nil {
				w.writeThreadComplete <- err
				return
			}
			off = 0
		}
		binary.LittleEndian.PutUint32(buf[off:off+4], record.Domid)
		binary.LittleEndian.PutUint32(buf[off+4:off+8], uint32(record.Kind))
		binary.LittleEndian.PutUint64(buf[off+8:off+16], uint64(record.Duration))
		off += recordSize
	}

	// flush any remaining data
	if off > 0 {
		if _, err := w.w.Write(buf[:off]); err != nil {
			w.writeThreadComplete <- err
			return
		}
	}

	w.writeThreadComplete <- nil
}

func (w *writer) Close() error {
	// check if we're already closed, this also guarantees that we are the thread closing
	if !currentWriter.CompareAndSwap(w, nil) {
		return fmt.Errorf("timeslice: already closed")
	}

	close(w.writerChan)

	if err := <-w.writeThreadComplete; err != nil {
		return fmt.Errorf("timeslice: write thread: %w", err)
	}

	return nil
}

var currentWriter atomic.Pointer[writer]

// Record emits one trace record. It is a no-op when no trace is open, so the
// clock publisher can call it unconditionally on the vmexit path.
func Record(domid uint32, kind Kind, duration time.Duration) {
	if w := currentWriter.Load(); w != nil {
		w.writerChan <- record{
			Domid:    domid,
			Kind:     kind,
			Duration: duration.Nanoseconds(),
		}
	}
}

// StartRecording opens the process-wide trace on w. Only one trace can be
// open at a time; the returned closer flushes and detaches it.
func StartRecording(w io.Writer) (io.Closer, error) {
	if w := currentWriter.Load(); w != nil {
		return nil, fmt.Errorf("timeslice: already open")
	}

	kinds, err := json.Marshal(kindNames)
	if err != nil {
		return nil, fmt.Errorf("timeslice: marshal kinds: %w", err)
	}

	off := 0

	if err := binary.Write(w, binary.LittleEndian, header{
		Magic:       Magic,
		Version:     Version,
		KindsLength: uint32(len(kinds)),
	}); err != nil {
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}

	off += binary.Size(header{})

	if _, err := w.Write(kinds); err != nil {
		return nil, fmt.Errorf("timeslice: write kinds: %w", err)
	}
	off += len(kinds)

	// pad to 4096 so we're aligned
	if off%4096 != 0 {
		if _, err := w.Write(make([]byte, 4096-off%4096)); err != nil {
			return nil, fmt.Errorf("timeslice: write padding: %w", err)
		}
		off += 4096 - off%4096
	}

	writer := &writer{w: w,
		writerChan:          make(chan record, 4096),
		writeThreadComplete: make(chan error),
	}
	go writer.run()

	if !currentWriter.CompareAndSwap(nil, writer) {
		return nil, fmt.Errorf("timeslice: already open")
	}

	return writer, nil
}

// ReadAllRecords replays a trace, calling fn once per record.
func ReadAllRecords(r io.Reader, fn func(domid uint32, kind string, duration time.Duration) error) error {
	var kinds map[Kind]string

	buf := bufio.NewReaderSize(r, 4096)

	var header header
	if err := binary.Read(buf, binary.LittleEndian, &header); err != nil {
		return err
	}
	if header.Magic != Magic {
		return fmt.Errorf("timeslice: invalid magic")
	}
	if header.Version != Version {
		return fmt.Errorf("timeslice: invalid version")
	}

	dec := json.NewDecoder(io.LimitReader(buf, int64(header.KindsLength)))
	if err := dec.Decode(&kinds); err != nil {
		return err
	}

	// skip the padding
	off := int(header.KindsLength) + binary.Size(header)
	if off%4096 != 0 {
		if _, err := buf.Discard(4096 - off%4096); err != nil {
			return err
		}
	}

	for {
		var record record
		if err := binary.Read(buf, binary.LittleEndian, &record); err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		name, ok := kinds[record.Kind]
		if !ok {
			return fmt.Errorf("timeslice: unknown kind: %d", record.Kind)
		}
		if err := fn(record.Domid, name, time.Duration(record.Duration)); err != nil {
			return err
		}
	}

	return nil
}
