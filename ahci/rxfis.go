package ahci

import (
	"k8s.io/klog/v2"

	"github.com/sarchlab/ahcisim/ata"
)

func (p *Port) fisReceiving() bool {
	return p.fis != nil && p.regs[pxCMD]&CmdFRE != 0
}

func (p *Port) postFIS(off int64, b []byte) {
	if _, err := p.fis.WriteAt(b, off); err != nil {
		klog.ErrorS(err, "failed to write received FIS", "port", p.index)
	}
}

func (p *Port) updateTFD() {
	tf := &p.drive.TF
	p.regs[pxTFD] = uint32(tf.Error)<<8 | uint32(tf.Status)
}

// writeD2H posts a Register D2H FIS built from the task file. It returns
// false when FIS receive is off.
func (p *Port) writeD2H(interrupt bool) bool {
	if !p.fisReceiving() || p.drive == nil {
		return false
	}

	tf := &p.drive.TF
	f := RegD2H{
		Type:      FISTypeRegD2H,
		Status:    tf.Status,
		Error:     tf.Error,
		LBA0:      tf.Sector,
		LBA1:      tf.LCyl,
		LBA2:      tf.HCyl,
		Device:    tf.Select,
		LBA3:      tf.HobSector,
		LBA4:      tf.HobLCyl,
		LBA5:      tf.HobHCyl,
		CountLow:  tf.Nsector,
		CountHigh: tf.HobNsector,
	}
	if interrupt {
		f.Interrupt = 1
	}

	p.postFIS(rxRFIS, mustEncode(&f))
	p.updateTFD()

	if tf.Status&ata.StatusERR != 0 {
		p.raise(PortIRQTFES)
	}

	if interrupt {
		p.raise(PortIRQDHRS)
	}

	return true
}

// writePIOSetup posts a PIO Setup FIS announcing a transfer of n bytes.
func (p *Port) writePIOSetup(n uint64, toHost bool) {
	if !p.fisReceiving() || p.drive == nil {
		return
	}

	tf := &p.drive.TF
	f := PIOSetup{
		Type:          FISTypePIOSetup,
		Interrupt:     1,
		Status:        tf.Status,
		Error:         tf.Error,
		LBA0:          tf.Sector,
		LBA1:          tf.LCyl,
		LBA2:          tf.HCyl,
		Device:        tf.Select,
		LBA3:          tf.HobSector,
		LBA4:          tf.HobLCyl,
		LBA5:          tf.HobHCyl,
		CountLow:      tf.Nsector,
		CountHigh:     tf.HobNsector,
		EStatus:       tf.Status,
		TransferCount: uint16(n),
	}
	if toHost {
		f.Direction = 1
	}

	p.postFIS(rxPSFIS, mustEncode(&f))
	p.updateTFD()

	if tf.Status&ata.StatusERR != 0 {
		p.raise(PortIRQTFES)
	}

	p.raise(PortIRQPSS)
}

// writeSDB reports every finished queued command in one Set Device Bits FIS
// and retires them from PxSACT.
func (p *Port) writeSDB() {
	tf := &p.drive.TF
	status := tf.Status & 0x77

	if p.fisReceiving() {
		f := SetDeviceBits{
			Type:      FISTypeSDB,
			Interrupt: 1,
			Status:    status,
			Error:     tf.Error,
			Active:    p.finished,
		}
		p.postFIS(rxSDBFIS, mustEncode(&f))
	}

	p.regs[pxTFD] = uint32(tf.Error)<<8 | uint32(status) |
		p.regs[pxTFD]&0x88
	p.regs[pxSACT] &^= p.finished
	p.finished = 0

	if status&ata.StatusERR != 0 {
		p.raise(PortIRQTFES)
	}

	p.raise(PortIRQSDBS)
}
