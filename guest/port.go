package guest

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"k8s.io/klog/v2"

	"github.com/sarchlab/ahcisim/ahci"
	"github.com/sarchlab/ahcisim/ata"
)

// PxSSTS and PxSIG values of a port with an active SATA disk.
const (
	sstsDETMask    = 0xf
	sstsDETPresent = 0x3
	sstsIPMShift   = 8
	sstsIPMMask    = 0xf
	sstsIPMActive  = 0x1
	sigATA         = 0x00000101
)

const (
	portIEDefault = ahci.PortIRQDHRS | ahci.PortIRQPSS | ahci.PortIRQSDBS |
		ahci.PortIRQDPS | ahci.PortIRQOFS | ahci.PortIRQHBDS |
		ahci.PortIRQHBFS | ahci.PortIRQTFES
	serrErrE    = 1 << 11
	sctlDETInit = 0x1
	deviceLBA   = 1 << 6
	featureWCE  = 0x02
)

// PortStats counts the work done on a port.
type PortStats struct {
	Reads      uint64
	Writes     uint64
	Flushes    uint64
	Commands   uint64
	Errors     uint64
	Interrupts uint64
}

func (s PortStats) String() string {
	return fmt.Sprintf("reads %d writes %d flushes %d commands %d "+
		"errors %d interrupts %d", s.Reads, s.Writes, s.Flushes,
		s.Commands, s.Errors, s.Interrupts)
}

// request is the part of a queued transfer carried by one tag.
type request struct {
	cmd uint8
	dst []byte
}

// A Port is a port with an ATA disk.
type Port struct {
	drv   *Driver
	index int
	base  uint64
	id    *Identity
	depth int

	events   uint32
	inflight uint32
	pending  [maxSlots]*request
	stats    PortStats
}

func newPort(d *Driver, index int) *Port {
	return &Port{
		drv:   d,
		index: index,
		base:  d.base + uint64(index)*PortArea,
	}
}

// Index returns the port number.
func (p *Port) Index() int {
	return p.index
}

// Identity returns what IDENTIFY DEVICE reported.
func (p *Port) Identity() *Identity {
	return p.id
}

// Depth returns the number of commands the driver queues at once.
func (p *Port) Depth() int {
	return p.depth
}

// Stats returns the counters of the port.
func (p *Port) Stats() PortStats {
	return p.stats
}

func (p *Port) read(reg uint64) uint32 {
	return p.drv.read(ahci.PortBase(p.index) + reg)
}

func (p *Port) write(reg uint64, val uint32) {
	p.drv.write(ahci.PortBase(p.index)+reg, val)
}

func (p *Port) clb() uint64 {
	return p.base + clbOffset
}

func (p *Port) fb() uint64 {
	return p.base + fbOffset
}

func (p *Port) table(slot int) uint64 {
	return p.base + tablesOffset + uint64(slot)*tableStride
}

func (p *Port) buffer(slot int) uint64 {
	return p.base + buffersOffset + uint64(slot)*MaxTransfer
}

// init stops the port, points it at the driver's memory and starts it
// again. It returns false when no ATA disk is attached.
func (p *Port) init() (bool, error) {
	ssts := p.read(ahci.PortSSTS)
	if ssts&sstsDETMask != sstsDETPresent ||
		ssts>>sstsIPMShift&sstsIPMMask != sstsIPMActive {
		klog.V(2).InfoS("no device", "port", p.index, "ssts", ssts)
		return false, nil
	}

	running := uint32(ahci.CmdST | ahci.CmdCR | ahci.CmdFRE | ahci.CmdFR)
	if cmd := p.read(ahci.PortCMD); cmd&running != 0 {
		p.write(ahci.PortCMD, cmd&^(ahci.CmdST|ahci.CmdFRE))

		if p.read(ahci.PortCMD)&(ahci.CmdCR|ahci.CmdFR) != 0 {
			return false, fmt.Errorf("port %d still active: %w",
				p.index, ErrTimeout)
		}
	}

	p.write(ahci.PortCLB, uint32(p.clb()))
	p.write(ahci.PortCLBU, uint32(p.clb()>>32))
	p.write(ahci.PortFB, uint32(p.fb()))
	p.write(ahci.PortFBU, uint32(p.fb()>>32))

	p.write(ahci.PortSERR, 0xffffffff)
	p.write(ahci.PortIS, 0xffffffff)
	p.write(ahci.PortIE, portIEDefault)
	p.write(ahci.PortCMD,
		ahci.CmdFRE|ahci.CmdST|ahci.CmdSUD|ahci.CmdPOD)

	if p.read(ahci.PortCMD)&(ahci.CmdCR|ahci.CmdFR) !=
		ahci.CmdCR|ahci.CmdFR {
		return false, fmt.Errorf("port %d did not start: %w",
			p.index, ErrTimeout)
	}

	if sig := p.read(ahci.PortSIG); sig != sigATA {
		klog.V(2).InfoS("skipping non-ATA device",
			"port", p.index, "sig", fmt.Sprintf("%#08x", sig))
		p.write(ahci.PortCMD, ahci.CmdSUD|ahci.CmdPOD)

		return false, nil
	}

	return true, nil
}

// probe identifies the disk, enables its write cache and sizes the queue.
func (p *Port) probe() error {
	id, err := p.Identify()
	if err != nil {
		return err
	}

	if !id.LBA48 {
		return fmt.Errorf("port %d: disk without 48-bit addressing: %w",
			p.index, ErrUnsupported)
	}

	if !id.NCQ {
		return fmt.Errorf("port %d: native command queuing: %w",
			p.index, ErrUnsupported)
	}

	p.depth = min(id.QueueDepth, p.drv.numSlots)
	if p.depth < p.drv.numSlots {
		klog.InfoS("NCQ queue depth limited", "port", p.index,
			"depth", p.depth, "slots", p.drv.numSlots)
	}

	if err := p.SetFeatures(featureWCE); err != nil {
		return err
	}

	p.id, err = p.Identify()
	if err != nil {
		return err
	}

	klog.InfoS("disk found", "port", p.index, "model", p.id.Model,
		"sectors", p.id.Sectors, "depth", p.depth,
		"write_cache", p.id.WriteCache)

	return nil
}

// setup writes the command header and table of slot. The data region is the
// slot's buffer, described with one PRD entry per page.
func (p *Port) setup(slot int, fis *ahci.RegH2D, n uint64, write bool) error {
	entries := 0

	for off := uint64(0); off < n; off += pageSize {
		e := ahci.PRDTEntry{
			DBA: p.buffer(slot) + off,
			DBC: uint32(min(pageSize, n-off) - 1),
		}

		err := p.put(p.table(slot)+prdtOffset+
			uint64(entries)*prdEntrySize, &e)
		if err != nil {
			return err
		}

		entries++
	}

	if err := p.put(p.table(slot), fis); err != nil {
		return err
	}

	hdr := ahci.CommandHeader{
		CFL:   fisDwords,
		PRDTL: uint16(entries),
		CTBA:  p.table(slot),
	}
	if write {
		hdr.Write = 1
	}

	return p.put(p.clb()+uint64(slot)*cmdHeaderSize, &hdr)
}

func (p *Port) put(addr uint64, v interface{}) error {
	b, err := ahci.Encode(v)
	if err != nil {
		return err
	}

	return p.drv.memory.Write(addr, b)
}

// prdbc reads the byte count the controller wrote back into slot's header.
func (p *Port) prdbc(slot int) (uint32, error) {
	b, err := p.drv.memory.Read(p.clb()+uint64(slot)*cmdHeaderSize+4, 4)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(b), nil
}

// run lets the model work until done holds or nothing is left to do.
func (p *Port) run(done func() bool) error {
	if !done() {
		if err := p.drv.runner.Run(); err != nil {
			return err
		}
	}

	p.drv.service()

	if !done() {
		return ErrTimeout
	}

	return nil
}

// taskFileError returns the error in PxTFD, if any.
func (p *Port) taskFileError(cmd uint8) error {
	tfd := p.read(ahci.PortTFD)
	if tfd&ata.StatusERR == 0 {
		return nil
	}

	p.stats.Errors++

	return &DeviceError{
		Command: cmd,
		Status:  uint8(tfd),
		Err:     uint8(tfd >> 8),
	}
}

func ncqTags(mask uint32) []int {
	var tags []int
	for mask != 0 {
		tag := bits.TrailingZeros32(mask)
		tags = append(tags, tag)
		mask &^= 1 << uint(tag)
	}

	return tags
}
