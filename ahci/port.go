package ahci

import (
	"k8s.io/klog/v2"

	"github.com/sarchlab/ahcisim/ata"
	"github.com/sarchlab/ahcisim/disk"
	"github.com/sarchlab/ahcisim/mem"
)

type portState int

const (
	portStateRun portState = iota
	portStateReset
)

// A Port is one SATA port of a controller with the device behind it.
type Port struct {
	ctrl  *Controller
	index int
	regs  [numPortRegs]uint32

	clb *mem.Mapping
	fis *mem.Mapping

	state       portState
	busySlot    int
	initD2HSent bool
	finished    uint32
	ncq         [maxCmds]ncqTransfer

	drive   *ata.Device
	watched map[disk.Engine]bool
}

func newPort(c *Controller, index int) *Port {
	p := &Port{
		ctrl:     c,
		index:    index,
		busySlot: noSlot,
		watched:  make(map[disk.Engine]bool),
	}

	for i := range p.ncq {
		p.ncq[i].tag = i
	}

	return p
}

// Index returns the port number.
func (p *Port) Index() int {
	return p.index
}

// Drive returns the attached device, nil if none.
func (p *Port) Drive() *ata.Device {
	return p.drive
}

func (p *Port) raise(bits uint32) {
	p.regs[pxIS] |= bits
	p.ctrl.checkIRQ()
}

func (p *Port) clbAddr() uint64 {
	return uint64(p.regs[pxCLBU])<<32 | uint64(p.regs[pxCLB])
}

func (p *Port) fisAddr() uint64 {
	return uint64(p.regs[pxFBU])<<32 | uint64(p.regs[pxFB])
}

// mapRegion maps exactly length bytes at addr, or returns nil.
func (p *Port) mapRegion(what string, addr, length uint64) *mem.Mapping {
	m, err := p.ctrl.memory.Map(addr, length)
	if err != nil {
		klog.ErrorS(err, "failed to map guest memory",
			"port", p.index, "region", what)
		return nil
	}

	if m.Len() != length {
		klog.ErrorS(nil, "guest memory mapping is short",
			"port", p.index, "region", what,
			"want", length, "got", m.Len())
		m.Release()

		return nil
	}

	return m
}

func (p *Port) mapCLB() bool {
	p.clb = p.mapRegion("command list", p.clbAddr(), cmdListSize)
	if p.clb == nil {
		return false
	}

	p.regs[pxCMD] |= CmdCR

	return true
}

func (p *Port) unmapCLB() {
	if p.clb != nil {
		p.clb.Release()
		p.clb = nil
	}

	p.regs[pxCMD] &^= CmdCR
}

func (p *Port) mapFIS() bool {
	p.fis = p.mapRegion("received FIS", p.fisAddr(), rxFISSize)
	if p.fis == nil {
		return false
	}

	p.regs[pxCMD] |= CmdFR

	return true
}

func (p *Port) unmapFIS() {
	if p.fis != nil {
		p.fis.Release()
		p.fis = nil
	}

	p.regs[pxCMD] &^= CmdFR
}

// writeCMD stores a guest write of PxCMD and runs the engines.
func (p *Port) writeCMD(val uint32) {
	p.regs[pxCMD] = p.regs[pxCMD]&cmdROMask | val&^(cmdROMask|cmdICCMask)

	p.condStartEngines()

	if p.regs[pxCMD]&CmdFR != 0 && !p.initD2HSent {
		p.initD2H()
	}

	p.checkCmd()
}

// condStartEngines brings the command list and FIS receive engines in line
// with the ST and FRE bits.
func (p *Port) condStartEngines() {
	cmd := p.regs[pxCMD]
	cmdStart := cmd&CmdST != 0
	cmdOn := cmd&CmdCR != 0
	fisStart := cmd&CmdFRE != 0
	fisOn := cmd&CmdFR != 0

	switch {
	case cmdStart && !cmdOn:
		if !p.mapCLB() {
			p.regs[pxCMD] &^= CmdST
			klog.ErrorS(nil, "failed to start DMA engine: "+
				"bad command list buffer address", "port", p.index)

			return
		}
	case !cmdStart && cmdOn:
		p.unmapCLB()
	}

	switch {
	case fisStart && !fisOn:
		if !p.mapFIS() {
			p.regs[pxCMD] &^= CmdFRE
			klog.ErrorS(nil, "failed to start FIS receive engine: "+
				"bad FIS receive buffer address", "port", p.index)

			return
		}
	case !fisStart && fisOn:
		p.unmapFIS()
	}
}

// initD2H sends the register FIS a device sends after reset and latches the
// signature it carries.
func (p *Port) initD2H() {
	if p.initD2HSent || p.drive == nil {
		return
	}

	if p.writeD2H(true) {
		p.initD2HSent = true
		p.regs[pxSIG] = p.drive.Signature()
	}
}

// cancelAll aborts the queued commands and the non-queued command in flight
// on the attached drive.
func (p *Port) cancelAll() {
	for i := range p.ncq {
		p.ncq[i].cancel(p)
	}

	if p.drive != nil {
		p.drive.CancelPending()
	}
}

// reset performs a port reset, as done at the end of a software reset
// sequence or on COMRESET.
func (p *Port) reset() {
	klog.V(2).InfoS("port reset", "controller", p.ctrl.name, "port", p.index)

	p.regs[pxSERR] = 0
	p.regs[pxSACT] = 0
	p.regs[pxTFD] = 0x7f
	p.regs[pxSIG] = sigNone
	p.regs[pxCI] = 0
	p.busySlot = noSlot
	p.initD2HSent = false
	p.finished = 0
	p.cancelAll()
	p.state = portStateRun

	if p.drive == nil {
		return
	}

	p.drive.Reset()
	p.initD2H()
}
