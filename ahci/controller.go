// Package ahci models an AHCI 1.3 SATA host bus adapter: its register file,
// the per-port command engines, NCQ tag tracking, PRDT scatter-gather and
// interrupt aggregation.
package ahci

import (
	"fmt"
	"sync"

	"k8s.io/klog/v2"

	"github.com/sarchlab/ahcisim/ata"
	"github.com/sarchlab/ahcisim/disk"
	"github.com/sarchlab/ahcisim/mem"
	"github.com/sarchlab/ahcisim/sim"
)

// ErrorPolicy selects what happens when a queued command fails in the
// backing store.
type ErrorPolicy int

// Error policies.
const (
	// ErrorReport fails the command towards the guest.
	ErrorReport ErrorPolicy = iota
	// ErrorIgnore completes the command as if it succeeded.
	ErrorIgnore
	// ErrorStop halts the command until ResumeHalted re-issues it.
	ErrorStop
)

func (p ErrorPolicy) String() string {
	switch p {
	case ErrorReport:
		return "report"
	case ErrorIgnore:
		return "ignore"
	case ErrorStop:
		return "stop"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParseErrorPolicy converts a policy name into an ErrorPolicy.
func ParseErrorPolicy(s string) (ErrorPolicy, error) {
	switch s {
	case "report":
		return ErrorReport, nil
	case "ignore":
		return ErrorIgnore, nil
	case "stop":
		return ErrorStop, nil
	default:
		return 0, fmt.Errorf("unknown error policy %q", s)
	}
}

// A Controller is an AHCI host bus adapter. All register accesses and
// completions are serialized by a controller-wide lock.
type Controller struct {
	sim.HookableBase

	name   string
	memory mem.GuestMemory
	irq    IRQLine
	policy ErrorPolicy

	mu     sync.Mutex
	global [numGlobalRegs]uint32
	ports  []*Port

	irqLevels  []bool
	delivering bool
}

// Name returns the name of the controller.
func (c *Controller) Name() string {
	return c.name
}

// NumPorts returns the number of implemented ports.
func (c *Controller) NumPorts() int {
	return len(c.ports)
}

// Port returns port n for inspection.
func (c *Controller) Port(n int) *Port {
	return c.ports[n]
}

// Read performs a guest read of size bytes at the register offset addr.
func (c *Controller) Read(addr uint64, size int) uint64 {
	if !accessAllowed(addr, size) {
		klog.ErrorS(nil, "rejecting unaligned register read",
			"controller", c.name, "addr", fmt.Sprintf("0x%x", addr),
			"size", size)
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var val uint64
	if size == 8 {
		val = uint64(c.readDword(addr)) |
			uint64(c.readDword(addr+4))<<32
	} else {
		shift := (addr & 3) * 8
		val = uint64(c.readDword(addr&^3)>>shift) & sizeMask(size)
	}

	klog.V(4).InfoS("register read", "controller", c.name,
		"addr", fmt.Sprintf("0x%x", addr), "size", size,
		"val", fmt.Sprintf("0x%x", val))

	return val
}

// Write performs a guest write of size bytes at the register offset addr.
func (c *Controller) Write(addr uint64, size int, val uint64) {
	if !accessAllowed(addr, size) {
		klog.ErrorS(nil, "rejecting unaligned register write",
			"controller", c.name, "addr", fmt.Sprintf("0x%x", addr),
			"size", size)
		return
	}

	c.mu.Lock()
	defer c.unlock()

	klog.V(4).InfoS("register write", "controller", c.name,
		"addr", fmt.Sprintf("0x%x", addr), "size", size,
		"val", fmt.Sprintf("0x%x", val))

	switch size {
	case 8:
		c.writeDword(addr, uint32(val), 0xffffffff)
		c.writeDword(addr+4, uint32(val>>32), 0xffffffff)
	case 4:
		c.writeDword(addr, uint32(val), 0xffffffff)
	default:
		shift := (addr & 3) * 8
		mask := uint32(sizeMask(size)) << shift
		c.writeDword(addr&^3, uint32(val)<<shift&mask, mask)
	}
}

func accessAllowed(addr uint64, size int) bool {
	switch size {
	case 1, 2, 4, 8:
		return addr%uint64(size) == 0
	default:
		return false
	}
}

func sizeMask(size int) uint64 {
	if size >= 8 {
		return ^uint64(0)
	}

	return 1<<(uint(size)*8) - 1
}

// Reset performs a controller reset, as the bus does on a device reset.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.unlock()

	c.reset()
}

func (c *Controller) reset() {
	klog.InfoS("controller reset", "controller", c.name)

	c.global[regIS] = 0
	c.global[regGHC] = GHCAE

	for _, p := range c.ports {
		p.regs[pxIS] = 0
		p.regs[pxIE] = 0
		p.regs[pxSCTL] = 0
		p.regs[pxCMD] = CmdSUD | CmdPOD
		p.unmapCLB()
		p.unmapFIS()
		p.reset()
	}

	c.checkIRQ()
}

// AttachDrive connects a device to port n, or detaches it when d is nil.
// The port is reset.
func (c *Controller) AttachDrive(n int, d *ata.Device) {
	c.mu.Lock()
	defer c.unlock()

	p := c.ports[n]
	p.cancelAll()
	p.drive = d
	p.reset()

	if d != nil {
		c.watchResume(p, d.Engine())
	}
}

func (c *Controller) watchResume(p *Port, engine disk.Engine) {
	n, ok := engine.(disk.ResumeNotifier)
	if !ok || p.watched[engine] {
		return
	}

	p.watched[engine] = true
	n.OnResume(func() { c.ResumeHalted(p.index) })
}

// ResumeHalted re-issues every queued command of port n that is halted
// after a backing store failure.
func (c *Controller) ResumeHalted(n int) {
	c.mu.Lock()
	defer c.unlock()

	c.ports[n].resumeHalted()
}

// complete is the entry point of backing store completions.
func (c *Controller) complete(p *Port, tag int, comp disk.Completion) {
	c.mu.Lock()
	defer c.unlock()

	p.ncqComplete(tag, comp)
}

// completeLegacy is the entry point of completions of non-queued commands.
func (c *Controller) completeLegacy(p *Port, comp disk.Completion) {
	c.mu.Lock()
	defer c.unlock()

	p.legacyComplete(comp)
}

// Builder can build Controllers.
type Builder struct {
	numPorts int
	memory   mem.GuestMemory
	irq      IRQLine
	policy   ErrorPolicy
}

// MakeBuilder returns a Builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		numPorts: 1,
		policy:   ErrorReport,
	}
}

// WithNumPorts sets the number of ports, 1 to 32.
func (b Builder) WithNumPorts(n int) Builder {
	b.numPorts = n
	return b
}

// WithMemory sets the guest memory the controller maps guest structures from.
func (b Builder) WithMemory(memory mem.GuestMemory) Builder {
	b.memory = memory
	return b
}

// WithIRQLine sets the interrupt output.
func (b Builder) WithIRQLine(irq IRQLine) Builder {
	b.irq = irq
	return b
}

// WithErrorPolicy sets the policy applied to failed queued commands.
func (b Builder) WithErrorPolicy(policy ErrorPolicy) Builder {
	b.policy = policy
	return b
}

// Build creates a controller in its reset state.
func (b Builder) Build(name string) *Controller {
	if b.numPorts < 1 || b.numPorts > maxPorts {
		panic(fmt.Sprintf("invalid number of ports %d", b.numPorts))
	}

	if b.memory == nil {
		panic("controller needs guest memory")
	}

	c := &Controller{
		name:   name,
		memory: b.memory,
		irq:    b.irq,
		policy: b.policy,
	}

	if c.irq == nil {
		c.irq = &INTx{}
	}

	c.global[regCAP] = uint32(b.numPorts-1) | capNCS | capISS1 |
		capSAM | capSNCQ | capS64A
	c.global[regPI] = uint32(uint64(1)<<uint(b.numPorts) - 1)
	c.global[regVS] = versionAHCI13

	for i := 0; i < b.numPorts; i++ {
		c.ports = append(c.ports, newPort(c, i))
	}

	c.mu.Lock()
	c.reset()
	c.unlock()

	return c
}
