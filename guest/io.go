package guest

import (
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/sarchlab/ahcisim/ahci"
	"github.com/sarchlab/ahcisim/ata"
)

// legacySlot is the slot used by non-queued commands. They only run while
// no queued command is outstanding.
const legacySlot = 0

func ataFIS(cmd uint8, lba uint64, count uint16) *ahci.RegH2D {
	f := &ahci.RegH2D{
		Type:      ahci.FISTypeRegH2D,
		C:         1,
		Command:   cmd,
		Device:    deviceLBA,
		CountLow:  uint8(count),
		CountHigh: uint8(count >> 8),
	}
	f.SetLBA(lba)

	return f
}

func ncqFIS(cmd uint8, tag int, lba uint64, sectors uint16) *ahci.RegH2D {
	f := &ahci.RegH2D{
		Type:        ahci.FISTypeRegH2D,
		C:           1,
		Command:     cmd,
		Device:      deviceLBA,
		FeatureLow:  uint8(sectors),
		FeatureHigh: uint8(sectors >> 8),
		CountLow:    uint8(tag << 3),
	}
	f.SetLBA(lba)

	return f
}

// exec runs a non-queued command. Write data is copied to the slot buffer
// first; for reads, the first n bytes of the buffer are returned.
func (p *Port) exec(fis *ahci.RegH2D, data []byte, n uint64, write bool) (
	[]byte, error,
) {
	if p.inflight != 0 {
		return nil, ErrBusy
	}

	if n > MaxTransfer {
		return nil, fmt.Errorf("%d bytes in one command: %w",
			n, ErrUnsupported)
	}

	if write {
		if err := p.drv.memory.Write(p.buffer(legacySlot), data); err != nil {
			return nil, err
		}
	}

	if err := p.setup(legacySlot, fis, n, write); err != nil {
		return nil, err
	}

	p.stats.Commands++
	p.events = 0
	bit := uint32(1) << legacySlot
	p.write(ahci.PortCI, bit)

	err := p.run(func() bool { return p.read(ahci.PortCI)&bit == 0 })
	if err != nil {
		return nil, fmt.Errorf("%s on port %d: %w",
			ata.CommandName(fis.Command), p.index, err)
	}

	if err := p.taskFileError(fis.Command); err != nil {
		return nil, err
	}

	if write || n == 0 {
		return nil, nil
	}

	count, err := p.prdbc(legacySlot)
	if err != nil {
		return nil, err
	}

	if uint64(count) < n {
		return nil, fmt.Errorf("%s moved %d of %d bytes: %w",
			ata.CommandName(fis.Command), count, n, ErrTimeout)
	}

	return p.drv.memory.Read(p.buffer(legacySlot), n)
}

// Identify runs IDENTIFY DEVICE.
func (p *Port) Identify() (*Identity, error) {
	b, err := p.exec(ataFIS(ata.CmdIdentify, 0, 0), nil, sectorSize, false)
	if err != nil {
		return nil, err
	}

	return parseIdentity(b), nil
}

// SetFeatures runs SET FEATURES with the given subcommand.
func (p *Port) SetFeatures(feature uint8) error {
	fis := ataFIS(ata.CmdSetFeatures, 0, 0)
	fis.FeatureLow = feature

	_, err := p.exec(fis, nil, 0, false)

	return err
}

// Flush writes the device cache to the medium.
func (p *Port) Flush() error {
	_, err := p.exec(ataFIS(ata.CmdFlushCacheExt, 0, 0), nil, 0, false)
	if err == nil {
		p.stats.Flushes++
	}

	return err
}

// ReadDMA reads sectors with READ DMA EXT.
func (p *Port) ReadDMA(lba uint64, sectors int) ([]byte, error) {
	n := uint64(sectors) * sectorSize
	b, err := p.exec(ataFIS(ata.CmdReadDMAExt, lba, uint16(sectors)),
		nil, n, false)
	if err == nil {
		p.stats.Reads++
	}

	return b, err
}

// WriteDMA writes data with WRITE DMA EXT.
func (p *Port) WriteDMA(lba uint64, data []byte) error {
	if len(data)%sectorSize != 0 {
		return ErrBadLength
	}

	_, err := p.exec(ataFIS(ata.CmdWriteDMAExt, lba,
		uint16(len(data)/sectorSize)), data, uint64(len(data)), true)
	if err == nil {
		p.stats.Writes++
	}

	return err
}

// Read reads sectors with queued commands.
func (p *Port) Read(lba uint64, sectors int) ([]byte, error) {
	buf := make([]byte, sectors*sectorSize)
	if err := p.transfer(ata.CmdReadFPDMAQueued, lba, buf); err != nil {
		return nil, err
	}

	p.stats.Reads++

	return buf, nil
}

// Write writes data with queued commands.
func (p *Port) Write(lba uint64, data []byte) error {
	if len(data)%sectorSize != 0 {
		return ErrBadLength
	}

	if err := p.transfer(ata.CmdWriteFPDMAQueued, lba, data); err != nil {
		return err
	}

	p.stats.Writes++

	return nil
}

// transfer splits buf into commands of at most MaxTransfer bytes and runs
// them in batches of the queue depth.
func (p *Port) transfer(cmd uint8, lba uint64, buf []byte) error {
	if p.inflight != 0 {
		return ErrBusy
	}

	for off := 0; off < len(buf); {
		var mask uint32

		for tag := 0; tag < p.depth && off < len(buf); tag++ {
			n := min(MaxTransfer, len(buf)-off)
			chunk := buf[off : off+n]

			err := p.queue(cmd, tag, lba+uint64(off/sectorSize), chunk)
			if err != nil {
				return err
			}

			mask |= 1 << uint(tag)
			off += n
		}

		p.inflight = mask
		p.events = 0
		p.stats.Commands += uint64(len(ncqTags(mask)))
		p.write(ahci.PortSACT, mask)
		p.write(ahci.PortCI, mask)

		if err := p.Wait(); err != nil {
			return err
		}
	}

	return nil
}

func (p *Port) queue(cmd uint8, tag int, lba uint64, chunk []byte) error {
	write := cmd == ata.CmdWriteFPDMAQueued
	if write {
		if err := p.drv.memory.Write(p.buffer(tag), chunk); err != nil {
			return err
		}
	}

	fis := ncqFIS(cmd, tag, lba, uint16(len(chunk)/sectorSize))
	if err := p.setup(tag, fis, uint64(len(chunk)), write); err != nil {
		return err
	}

	p.pending[tag] = &request{cmd: cmd, dst: chunk}

	return nil
}

// Wait runs the model until every outstanding queued command completes. It
// returns ErrHalted when commands are left halted by the controller, in
// which case Wait can be called again once the controller resumes them. A
// failed command is reported as a DeviceError after the port is recovered
// with a COMRESET.
func (p *Port) Wait() error {
	if p.inflight == 0 {
		return nil
	}

	err := p.run(func() bool {
		return p.read(ahci.PortSACT)&p.inflight == 0
	})
	if err != nil && !errors.Is(err, ErrTimeout) {
		return err
	}

	sact := p.read(ahci.PortSACT)
	serr := p.read(ahci.PortSERR)

	var failed uint32
	if p.events&ahci.PortIRQTFES != 0 {
		failed = p.inflight & sact & serr
	}

	if err := p.reap(p.inflight&^sact, failed); err != nil {
		return err
	}

	if failed != 0 {
		return p.recover(failed)
	}

	if p.inflight == 0 {
		p.write(ahci.PortSERR, serr)
		return nil
	}

	if serr&serrErrE != 0 {
		klog.InfoS("queued commands halted", "port", p.index,
			"tags", ncqTags(p.inflight))

		return fmt.Errorf("port %d tags %#x: %w",
			p.index, p.inflight, ErrHalted)
	}

	return fmt.Errorf("port %d tags %#x: %w", p.index, p.inflight, ErrTimeout)
}

// recover resets the link after queued commands failed. Every command still
// outstanding is dropped.
func (p *Port) recover(failed uint32) error {
	tfd := p.read(ahci.PortTFD)
	cmd := uint8(ata.CmdReadFPDMAQueued)

	for _, tag := range ncqTags(failed) {
		if r := p.pending[tag]; r != nil {
			cmd = r.cmd
		}
	}

	klog.InfoS("queued commands failed, resetting port",
		"port", p.index, "tags", ncqTags(failed),
		"tfd", fmt.Sprintf("%#04x", tfd))

	p.write(ahci.PortSCTL, sctlDETInit)
	p.write(ahci.PortSCTL, 0)
	p.drv.service()

	clear(p.pending[:])
	p.inflight = 0
	p.events = 0
	p.stats.Errors++

	return &DeviceError{
		Command: cmd,
		Status:  uint8(tfd),
		Err:     uint8(tfd >> 8),
		Tags:    failed,
	}
}

// reap copies the data of completed reads out of their buffers and frees
// the tags in done.
func (p *Port) reap(done, failed uint32) error {
	for _, tag := range ncqTags(done) {
		r := p.pending[tag]
		p.pending[tag] = nil
		p.inflight &^= 1 << uint(tag)

		if r == nil || failed&(1<<uint(tag)) != 0 ||
			r.cmd != ata.CmdReadFPDMAQueued {
			continue
		}

		b, err := p.drv.memory.Read(p.buffer(tag), uint64(len(r.dst)))
		if err != nil {
			return err
		}

		copy(r.dst, b)
	}

	return nil
}
