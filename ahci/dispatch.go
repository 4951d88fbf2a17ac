package ahci

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/sarchlab/ahcisim/ata"
)

// commandHeader reads the header of slot from the mapped command list.
func (p *Port) commandHeader(slot int) (*CommandHeader, error) {
	raw := make([]byte, cmdHdrSize)
	if _, err := p.clb.ReadAt(raw, int64(slot*cmdHdrSize)); err != nil {
		return nil, err
	}

	hdr := new(CommandHeader)
	if err := Decode(raw, hdr); err != nil {
		return nil, err
	}

	return hdr, nil
}

// setPRDBC writes the byte count of slot back into its command header.
func (p *Port) setPRDBC(slot int, n uint32) {
	if p.clb == nil || slot == noSlot {
		return
	}

	if err := p.clb.PutUint32(int64(slot*cmdHdrSize+4), n); err != nil {
		klog.ErrorS(err, "failed to update PRDBC", "port", p.index)
	}
}

func (p *Port) prdbc(slot int) uint32 {
	if p.clb == nil || slot == noSlot {
		return 0
	}

	return p.clb.Uint32(int64(slot*cmdHdrSize + 4))
}

// checkCmd issues the pending slots of PxCI in increasing order. A slot that
// cannot be handled now keeps its bit.
func (p *Port) checkCmd() {
	if p.regs[pxCMD]&CmdST == 0 {
		return
	}

	for slot := 0; slot < maxCmds && p.regs[pxCI] != 0; slot++ {
		bit := uint32(1) << uint(slot)
		if p.regs[pxCI]&bit == 0 {
			continue
		}

		if p.handleCmd(slot) {
			p.regs[pxCI] &^= bit
		}
	}
}

// handleCmd processes the command in slot. It returns false when the
// command has to stay issued: the device is busy, or the command is still
// running.
func (p *Port) handleCmd(slot int) bool {
	if p.drive == nil || p.drive.TF.Busy() || p.clb == nil {
		return false
	}

	hdr, err := p.commandHeader(slot)
	if err != nil {
		klog.ErrorS(err, "failed to read command header",
			"port", p.index, "slot", slot)
		return false
	}

	table, err := p.ctrl.memory.Map(hdr.CTBA, cmdTableSize)
	if err != nil {
		klog.ErrorS(err, "failed to map command table",
			"port", p.index, "slot", slot)
		return false
	}

	p.runTable(slot, hdr, table.Len(), table.ReadAt)
	table.Release()

	if p.drive.TF.Busy() {
		p.busySlot = slot
		return false
	}

	return true
}

// runTable decodes the command FIS of a command table and runs it.
func (p *Port) runTable(
	slot int,
	hdr *CommandHeader,
	mapped uint64,
	readAt func([]byte, int64) (int, error),
) {
	if mapped != cmdTableSize {
		klog.ErrorS(nil, "command table mapping is short",
			"port", p.index, "slot", slot, "len", mapped)
		p.raise(PortIRQHBFS)

		return
	}

	raw := make([]byte, cmdTableSize)
	if _, err := readAt(raw, 0); err != nil {
		klog.ErrorS(err, "failed to read command table", "port", p.index)
		p.raise(PortIRQHBDS)

		return
	}

	if raw[0] != FISTypeRegH2D {
		klog.ErrorS(nil, "unsupported command FIS type",
			"port", p.index, "slot", slot,
			"type", fmt.Sprintf("0x%02x", raw[0]))
		return
	}

	if raw[1]&(fisPMPMask|fisRsvMask) != 0 {
		klog.V(2).InfoS("ignoring FIS for port multiplier or with "+
			"reserved bits", "port", p.index, "flags", raw[1])
		return
	}

	var fis RegH2D
	if err := Decode(raw[:20], &fis); err != nil {
		klog.ErrorS(err, "failed to decode command FIS", "port", p.index)
		return
	}

	if fis.C == 0 {
		p.trackSRST(fis.Control)
		return
	}

	if ata.IsNCQ(fis.Command) {
		p.processNCQ(slot, hdr, &fis)
		return
	}

	p.execLegacy(slot, hdr, &fis, raw[acmdOffset:acmdOffset+acmdSize])
}

// trackSRST follows the software reset protocol carried in the device
// control field.
func (p *Port) trackSRST(control uint8) {
	switch p.state {
	case portStateRun:
		if control&ataSRST != 0 {
			klog.V(2).InfoS("SRST asserted", "port", p.index)
			p.state = portStateReset
		}
	case portStateReset:
		if control&ataSRST == 0 {
			klog.V(2).InfoS("SRST released", "port", p.index)
			p.reset()
		}
	}
}
