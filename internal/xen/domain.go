package xen

import (
	"time"

	"github.com/tinyrange/xenguest/internal/console"
)

// StaticDomain is a Domain built from a DomainConfig, with an in-process
// console behind the console-io hypercall.
type StaticDomain struct {
	id      uint32
	initdom bool
	sod     StartOfDay
	con     *console.Console
}

func NewStaticDomain(id uint32, cfg *DomainConfig) *StaticDomain {
	sod := StartOfDay{
		TSC:    cfg.StartOfDay.TSC,
		WcSec:  cfg.StartOfDay.WcSec,
		WcNsec: cfg.StartOfDay.WcNsec,
	}
	if sod.WcSec == 0 {
		now := time.Now()
		sod.WcSec = uint64(now.Unix())
		sod.WcNsec = uint64(now.Nanosecond())
	}

	return &StaticDomain{
		id:      id,
		initdom: cfg.Initdom,
		sod:     sod,
		con:     console.New(cfg.Console.Cols, cfg.Console.Rows),
	}
}

func (d *StaticDomain) ID() uint32             { return d.id }
func (d *StaticDomain) Initdom() bool          { return d.initdom }
func (d *StaticDomain) StartOfDay() StartOfDay { return d.sod }

func (d *StaticDomain) ConsoleWrite(p []byte) int {
	n, _ := d.con.Write(p)
	return n
}

func (d *StaticDomain) ConsoleRead(p []byte) int {
	n, _ := d.con.Read(p)
	return n
}

// Console exposes the underlying console for screen inspection and host
// input injection.
func (d *StaticDomain) Console() *console.Console { return d.con }

func (d *StaticDomain) Close() error { return d.con.Close() }

var _ Domain = &StaticDomain{}
