package xen

import (
	"testing"

	"github.com/tinyrange/xenguest/internal/hv"
	"github.com/tinyrange/xenguest/internal/hv/emu"
)

// 1 GHz: one TSC tick per nanosecond, so timer expectations read directly.
const testTSCKHz = 1_000_000

const testPETShift = 3

type testDomain struct {
	id      uint32
	initdom bool
	sod     StartOfDay

	out []byte
	in  []byte
}

func (d *testDomain) ID() uint32             { return d.id }
func (d *testDomain) Initdom() bool          { return d.initdom }
func (d *testDomain) StartOfDay() StartOfDay { return d.sod }

func (d *testDomain) ConsoleWrite(p []byte) int {
	d.out = append(d.out, p...)
	return len(p)
}

func (d *testDomain) ConsoleRead(p []byte) int {
	n := copy(p, d.in)
	d.in = d.in[n:]
	return n
}

type testEventChannel struct {
	calls       []string
	virqs       []uint32
	callbackVia uint64
}

func (e *testEventChannel) record(name string) error {
	e.calls = append(e.calls, name)
	return nil
}

func (e *testEventChannel) InitControl() error     { return e.record("init_control") }
func (e *testEventChannel) SetPriority() error     { return e.record("set_priority") }
func (e *testEventChannel) AllocUnbound() error    { return e.record("alloc_unbound") }
func (e *testEventChannel) ExpandArray() error     { return e.record("expand_array") }
func (e *testEventChannel) BindVirq() error        { return e.record("bind_virq") }
func (e *testEventChannel) Send() error            { return e.record("send") }
func (e *testEventChannel) BindInterdomain() error { return e.record("bind_interdomain") }
func (e *testEventChannel) Close() error           { return e.record("close") }
func (e *testEventChannel) BindVcpu() error        { return e.record("bind_vcpu") }

func (e *testEventChannel) QueueVirq(virq uint32)     { e.virqs = append(e.virqs, virq) }
func (e *testEventChannel) SetCallbackVia(vec uint64) { e.callbackVia = vec }

type testEnv struct {
	t      *testing.T
	vm     *emu.Machine
	parent *emu.Parent
	cpu    *emu.CPU
	dom    *testDomain
	ec     *testEventChannel
	reg    *VcpuRegistry
	p      *Personality
}

func newTestEnv(t *testing.T, mutate ...func(*Options, *testDomain)) *testEnv {
	t.Helper()

	vm, err := emu.NewMachine(0, 1<<20)
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	t.Cleanup(func() { vm.Close() })

	parent := &emu.Parent{}
	cpu := emu.NewCPU(vm, 0, parent)
	dom := &testDomain{}
	ec := &testEventChannel{}

	opts := Options{
		TSCKHz:    testTSCKHz,
		PETShift:  testPETShift,
		Allocator: NewIDAllocator(),
		Registry:  NewVcpuRegistry(),
		Collab:    Collaborators{EventChannel: ec},
	}
	for _, fn := range mutate {
		fn(&opts, dom)
	}

	p, err := New(cpu, dom, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	return &testEnv{t: t, vm: vm, parent: parent, cpu: cpu, dom: dom, ec: ec, reg: opts.Registry, p: p}
}

func (e *testEnv) write(gpa uint64, data []byte) {
	e.t.Helper()
	if _, err := e.vm.WriteAt(data, int64(gpa)); err != nil {
		e.t.Fatalf("WriteAt 0x%x: %v", gpa, err)
	}
}

func (e *testEnv) read(gpa uint64, size int) []byte {
	e.t.Helper()
	buf := make([]byte, size)
	if _, err := e.vm.ReadAt(buf, int64(gpa)); err != nil {
		e.t.Fatalf("ReadAt 0x%x: %v", gpa, err)
	}
	return buf
}

func (e *testEnv) hypercall(op, a1, a2, a3 uint64) bool {
	e.cpu.WriteRegister(hv.RegisterAMD64Rax, op)
	e.cpu.WriteRegister(hv.RegisterAMD64Rdi, a1)
	e.cpu.WriteRegister(hv.RegisterAMD64Rsi, a2)
	e.cpu.WriteRegister(hv.RegisterAMD64Rdx, a3)
	return e.cpu.RaiseVMCall()
}

func (e *testEnv) rax() int64 {
	return int64(e.cpu.ReadRegister(hv.RegisterAMD64Rax))
}

func (e *testEnv) rip() uint64 {
	return e.cpu.ReadRegister(hv.RegisterAMD64Rip)
}
