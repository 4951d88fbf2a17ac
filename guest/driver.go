// Package guest is a model of the host software side of an AHCI controller.
// It programs the controller through its register window and guest memory
// the way an operating system driver does, and is used to drive workloads
// against the emulated hardware.
package guest

import (
	"k8s.io/klog/v2"

	"github.com/sarchlab/ahcisim/ahci"
)

// MMIO is the register window of a controller.
type MMIO interface {
	Read(addr uint64, size int) uint64
	Write(addr uint64, size int, val uint64)
}

// Memory is the guest physical memory the driver places its structures in.
type Memory interface {
	Read(addr, length uint64) ([]byte, error)
	Write(addr uint64, data []byte) error
}

// Runner advances the model until it has no more work.
type Runner interface {
	Run() error
}

// CAP fields.
const (
	capNPMask  = 0x1f
	capNCSShft = 8
	capNCSMask = 0x1f
	capSNCQ    = 1 << 30
)

// Layout of the memory used by each port, relative to the port's area.
const (
	sectorSize    = 512
	pageSize      = 0x1000
	maxSlots      = 32
	cmdHeaderSize = 0x20
	fisDwords     = 5
	prdtOffset    = 0x80
	prdEntrySize  = 0x10
	tableStride   = 0x200

	clbOffset     = 0x0
	fbOffset      = 0x400
	tablesOffset  = 0x1000
	buffersOffset = tablesOffset + maxSlots*tableStride

	// MaxTransfer is the largest number of bytes moved by one command.
	MaxTransfer = 16 * pageSize

	// PortArea is the guest memory used by one port.
	PortArea = buffersOffset + maxSlots*MaxTransfer
)

// MemoryNeeded returns the guest memory a driver needs for a controller
// with the given number of ports.
func MemoryNeeded(ports int) uint64 {
	return uint64(ports) * PortArea
}

// A Driver owns one controller.
type Driver struct {
	name   string
	mmio   MMIO
	memory Memory
	runner Runner
	base   uint64

	numSlots   int
	ports      []*Port
	interrupts int
}

// Name returns the name of the driver.
func (d *Driver) Name() string {
	return d.name
}

// Ports returns the ports with an ATA disk found by Init.
func (d *Driver) Ports() []*Port {
	return d.ports
}

// Interrupts returns the number of times the driver found the controller
// interrupt pending.
func (d *Driver) Interrupts() int {
	return d.interrupts
}

func (d *Driver) read(off uint64) uint32 {
	return uint32(d.mmio.Read(off, 4))
}

func (d *Driver) write(off uint64, val uint32) {
	d.mmio.Write(off, 4, uint64(val))
}

// Init enables AHCI mode, brings up every implemented port with a disk
// attached and identifies the disks.
func (d *Driver) Init() error {
	d.write(ahci.RegGHC, ahci.GHCAE)

	caps := d.read(ahci.RegCAP)
	if caps&capSNCQ == 0 {
		return ErrUnsupported
	}

	d.numSlots = int(caps>>capNCSShft&capNCSMask) + 1
	numPorts := int(caps&capNPMask) + 1
	pi := d.read(ahci.RegPI)

	klog.V(2).InfoS("controller found", "driver", d.name,
		"ports", numPorts, "slots", d.numSlots, "pi", pi)

	for i := 0; i < numPorts; i++ {
		if pi&(1<<uint(i)) == 0 {
			continue
		}

		p := newPort(d, i)

		ok, err := p.init()
		if err != nil {
			return err
		}

		if !ok {
			continue
		}

		if err := p.probe(); err != nil {
			return err
		}

		d.ports = append(d.ports, p)
	}

	if len(d.ports) == 0 {
		return ErrNoDevice
	}

	d.service()
	d.write(ahci.RegGHC, ahci.GHCAE|ahci.GHCIE)

	return nil
}

// service acknowledges pending interrupts. Port status is cleared before the
// host status so that an interrupt arriving in between is not lost.
func (d *Driver) service() {
	is := d.read(ahci.RegIS)
	if is == 0 {
		return
	}

	d.interrupts++

	for _, p := range d.ports {
		if is&(1<<uint(p.index)) == 0 {
			continue
		}

		pis := p.read(ahci.PortIS)
		p.write(ahci.PortIS, pis)
		p.events |= pis
		p.stats.Interrupts++
	}

	d.write(ahci.RegIS, is)
}

// Builder can build Drivers.
type Builder struct {
	mmio   MMIO
	memory Memory
	runner Runner
	base   uint64
}

// MakeBuilder returns a Builder with default parameters.
func MakeBuilder() Builder {
	return Builder{}
}

// WithMMIO sets the register window of the controller.
func (b Builder) WithMMIO(mmio MMIO) Builder {
	b.mmio = mmio
	return b
}

// WithMemory sets the guest memory.
func (b Builder) WithMemory(memory Memory) Builder {
	b.memory = memory
	return b
}

// WithRunner sets what the driver runs while it waits for commands.
func (b Builder) WithRunner(runner Runner) Builder {
	b.runner = runner
	return b
}

// WithBase sets the guest address of the memory the driver uses. The memory
// spans MemoryNeeded bytes.
func (b Builder) WithBase(base uint64) Builder {
	b.base = base
	return b
}

// Build creates a Driver. Init has to be called before use.
func (b Builder) Build(name string) *Driver {
	if b.mmio == nil || b.memory == nil || b.runner == nil {
		panic("a driver needs MMIO, memory and a runner")
	}

	if b.base%pageSize != 0 {
		panic("driver memory must be page aligned")
	}

	return &Driver{
		name:   name,
		mmio:   b.mmio,
		memory: b.memory,
		runner: b.runner,
		base:   b.base,
	}
}
