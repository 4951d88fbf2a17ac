package ahci

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/sarchlab/ahcisim/ata"
	"github.com/sarchlab/ahcisim/disk"
	"github.com/sarchlab/ahcisim/sim"
	"github.com/sarchlab/ahcisim/tracing"
)

// ncqTransfer tracks one queued command.
type ncqTransfer struct {
	tag     int
	slot    int
	cmd     uint8
	lba     uint64
	sectors uint32
	sg      disk.SGList
	handle  disk.Handle
	used    bool
	halted  bool
	failed  bool
	taskID  string
}

func (t *ncqTransfer) free() {
	t.used = false
	t.halted = false
	t.failed = false
	t.handle = disk.NoHandle
	t.sg = nil
}

// cancel aborts the transfer in flight and frees the tag.
func (t *ncqTransfer) cancel(p *Port) {
	t.halted = false

	if !t.used {
		return
	}

	if t.handle != disk.NoHandle && p.drive != nil {
		p.drive.Engine().Cancel(t.handle)
	}

	p.endTask(t)
	t.free()
}

// processNCQ queues the command of an NCQ FIS received in slot.
func (p *Port) processNCQ(slot int, hdr *CommandHeader, fis *RegH2D) {
	tag := int(fis.NCQTag())
	t := &p.ncq[tag]

	if t.used {
		klog.ErrorS(nil, "NCQ tag already in use",
			"port", p.index, "tag", tag)
		return
	}

	if tag != slot {
		klog.V(1).InfoS("NCQ tag does not match command slot",
			"port", p.index, "tag", tag, "slot", slot)
	}

	if fis.FUA() {
		klog.V(4).InfoS("NCQ forced unit access", "port", p.index, "tag", tag)
	}

	t.used = true
	t.slot = slot
	t.cmd = fis.Command
	t.lba = fis.LBA()
	t.sectors = fis.NCQSectors()
	t.failed = false
	t.halted = false
	p.startTask(t)

	size := uint64(t.sectors) * disk.SectorSize

	sg, err := populateSGList(p.ctrl.memory, hdr, size, 0)
	if err != nil || sg.Size() < size {
		klog.ErrorS(err, "PRDT length for NCQ command is smaller "+
			"than the requested size", "port", p.index, "tag", tag,
			"prdt", sg.Size(), "want", size)
		p.ncqErr(t)
		p.endTask(t)
		t.free()
		p.raise(PortIRQOFS)

		return
	}

	if sg.Size() > size {
		klog.V(2).InfoS("PRDT larger than NCQ transfer",
			"port", p.index, "tag", tag)
	}

	t.sg = sg
	p.writeD2H(false)
	p.executeNCQ(t)
}

// executeNCQ submits a queued command to the backing store.
func (p *Port) executeNCQ(t *ncqTransfer) {
	t.halted = false

	var op disk.Op

	switch t.cmd {
	case ata.CmdReadFPDMAQueued:
		op = disk.OpRead
	case ata.CmdWriteFPDMAQueued:
		op = disk.OpWrite
	default:
		klog.ErrorS(nil, "unsupported NCQ command",
			"port", p.index, "cmd", ata.CommandName(t.cmd))
		p.ncqErr(t)
		p.ncqFinish(t)

		return
	}

	req := &disk.Request{
		ID:      fmt.Sprintf("%s.p%d.t%d", p.ctrl.name, p.index, t.tag),
		Op:      op,
		LBA:     t.lba,
		Sectors: t.sectors,
		SG:      t.sg,
	}

	tag := t.tag
	t.handle = p.drive.Engine().Submit(req, func(c disk.Completion) {
		p.ctrl.complete(p, tag, c)
	})

	tracing.AddTaskStep(t.taskID, p.ctrl, "submitted")
}

// ncqComplete handles the completion of a queued command.
func (p *Port) ncqComplete(tag int, c disk.Completion) {
	t := &p.ncq[tag]
	if !t.used || t.handle != c.Handle {
		klog.V(2).InfoS("dropping stale NCQ completion",
			"port", p.index, "tag", tag, "handle", c.Handle)
		return
	}

	t.handle = disk.NoHandle

	if c.Err != nil {
		switch p.ctrl.policy {
		case ErrorStop:
			klog.InfoS("NCQ command halted", "port", p.index,
				"tag", tag, "err", c.Err)
			t.halted = true
			p.regs[pxSERR] |= serrErrE
			tracing.AddTaskStep(t.taskID, p.ctrl, "halted")

			return
		case ErrorReport:
			klog.V(1).InfoS("NCQ command failed", "port", p.index,
				"tag", tag, "err", c.Err)
			p.ncqErr(t)
		case ErrorIgnore:
			klog.V(1).InfoS("ignoring NCQ command failure",
				"port", p.index, "tag", tag, "err", c.Err)
			p.ncqSuccess()
		}
	} else {
		p.ncqSuccess()
	}

	p.ncqFinish(t)
}

func (p *Port) ncqSuccess() {
	p.drive.TF.Status = ata.StatusDRDY | ata.StatusSEEK
	p.drive.TF.Error = 0
}

// ncqErr records the failure of a queued command in the task file and
// PxSERR.
func (p *Port) ncqErr(t *ncqTransfer) {
	p.drive.TF.Error = ata.ErrorABRT
	p.drive.TF.Status = ata.StatusDRDY | ata.StatusERR
	p.regs[pxSERR] |= 1 << uint(t.tag)
	t.failed = true
}

// ncqFinish retires a queued command and notifies the guest.
func (p *Port) ncqFinish(t *ncqTransfer) {
	if !t.failed {
		p.finished |= 1 << uint(t.tag)
	}

	p.writeSDB()
	p.endTask(t)
	t.free()
}

// resumeHalted re-submits every halted queued command.
func (p *Port) resumeHalted() {
	for i := range p.ncq {
		t := &p.ncq[i]
		if t.used && t.halted {
			klog.InfoS("resuming NCQ command", "port", p.index, "tag", t.tag)
			p.executeNCQ(t)
		}
	}
}

// HaltedTags returns the tags halted by a backing store failure.
func (p *Port) HaltedTags() []int {
	p.ctrl.mu.Lock()
	defer p.ctrl.mu.Unlock()

	var tags []int

	for i := range p.ncq {
		if p.ncq[i].used && p.ncq[i].halted {
			tags = append(tags, i)
		}
	}

	return tags
}

func (p *Port) startTask(t *ncqTransfer) {
	t.taskID = sim.GetIDGenerator().Generate()
	tracing.StartTaskAt(t.taskID, "", p.ctrl, "ncq",
		ata.CommandName(t.cmd), fmt.Sprintf("%s.port%d", p.ctrl.name, p.index),
		t.lba)
}

func (p *Port) endTask(t *ncqTransfer) {
	if t.taskID == "" {
		return
	}

	tracing.EndTask(t.taskID, p.ctrl)
	t.taskID = ""
}
