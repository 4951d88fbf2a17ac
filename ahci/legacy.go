package ahci

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/sarchlab/ahcisim/ata"
	"github.com/sarchlab/ahcisim/disk"
)

// legacyTransport gives the device access to the buffers of the non-queued
// command running in a slot.
type legacyTransport struct {
	port *Port
	slot int
	hdr  *CommandHeader
}

// SGList raises OFS when the PRDT cannot hold limit bytes.
func (t *legacyTransport) SGList(limit uint64) (disk.SGList, error) {
	sg, err := populateSGList(t.port.ctrl.memory, t.hdr, limit, 0)
	if err == nil && sg.Size() < limit {
		t.port.raise(PortIRQOFS)
	}

	return sg, err
}

func (t *legacyTransport) PIOIn(data []byte) error {
	p := t.port
	p.writePIOSetup(uint64(len(data)), true)

	sg, err := t.SGList(uint64(len(data)))
	if err != nil {
		return err
	}

	n, err := copySG(p, sg, data, true)
	p.setPRDBC(t.slot, p.prdbc(t.slot)+uint32(n))

	return err
}

func (t *legacyTransport) PIOOut(n uint64) ([]byte, error) {
	p := t.port
	p.writePIOSetup(n, false)

	sg, err := t.SGList(n)
	if err != nil {
		return nil, err
	}

	if sg.Size() < n {
		return nil, fmt.Errorf("PRDT covers %d of %d bytes: %w",
			sg.Size(), n, disk.ErrShortSGList)
	}

	buf := make([]byte, n)
	copied, err := copySG(p, sg, buf, false)
	p.setPRDBC(t.slot, p.prdbc(t.slot)+uint32(copied))

	return buf, err
}

func (t *legacyTransport) Complete(c disk.Completion) {
	t.port.ctrl.completeLegacy(t.port, c)
}

// copySG moves data between buf and the regions of sg. It returns the number
// of bytes moved.
func copySG(p *Port, sg disk.SGList, buf []byte, toGuest bool) (int, error) {
	done := 0

	for _, seg := range sg {
		if done >= len(buf) {
			break
		}

		n := min(int(seg.Len), len(buf)-done)

		m, err := p.ctrl.memory.Map(seg.Addr, uint64(n))
		if err != nil {
			p.raise(PortIRQHBDS)
			return done, err
		}

		if m.Len() < uint64(n) {
			n = int(m.Len())
		}

		if toGuest {
			_, err = m.WriteAt(buf[done:done+n], 0)
		} else {
			_, err = m.ReadAt(buf[done:done+n], 0)
		}

		m.Release()

		if err != nil {
			return done, err
		}

		done += n
	}

	return done, nil
}

// execLegacy loads the task file from a command FIS and runs the command on
// the device.
func (p *Port) execLegacy(
	slot int,
	hdr *CommandHeader,
	fis *RegH2D,
	acmd []byte,
) {
	tf := &p.drive.TF
	tf.Feature = fis.FeatureLow
	tf.Sector = fis.LBA0
	tf.LCyl = fis.LBA1
	tf.HCyl = fis.LBA2
	tf.Select = fis.Device
	tf.HobSector = fis.LBA3
	tf.HobLCyl = fis.LBA4
	tf.HobHCyl = fis.LBA5
	tf.HobFeature = fis.FeatureHigh
	tf.Nsector = fis.CountLow
	tf.HobNsector = fis.CountHigh
	tf.Command = fis.Command
	tf.Error = 0

	if hdr.ATAPI != 0 {
		copy(p.drive.Packet[:], acmd)
		klog.V(2).InfoS("ATAPI packet", "port", p.index,
			"packet", fmt.Sprintf("% x", acmd))
	}

	p.setPRDBC(slot, 0)

	t := &legacyTransport{port: p, slot: slot, hdr: hdr}
	if p.drive.Execute(t) {
		p.writeD2H(true)
	}
}

// legacyComplete finishes the non-queued command running in the busy slot.
func (p *Port) legacyComplete(c disk.Completion) {
	if p.drive == nil {
		return
	}

	ok, n := p.drive.Finish(c)
	if !ok {
		klog.V(2).InfoS("dropping stale completion",
			"port", p.index, "handle", c.Handle)
		return
	}

	slot := p.busySlot
	if n > 0 {
		p.setPRDBC(slot, p.prdbc(slot)+uint32(n))
	}

	if slot != noSlot {
		p.regs[pxCI] &^= 1 << uint(slot)
		p.busySlot = noSlot
	}

	if p.drive.TF.Status&ata.StatusERR != 0 {
		klog.V(2).InfoS("command failed", "port", p.index,
			"cmd", ata.CommandName(p.drive.TF.Command))
	}

	p.writeD2H(true)
	p.checkCmd()
}
