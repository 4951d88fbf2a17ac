package ata

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/sarchlab/ahcisim/disk"
)

// Kind is the type of device attached to a port.
type Kind int

// Device kinds.
const (
	KindDisk Kind = iota
	KindCDROM
)

func (k Kind) String() string {
	if k == KindCDROM {
		return "cdrom"
	}

	return "disk"
}

// Transport is how a device reaches the buffers of the command it runs. It is
// implemented by the host adapter.
type Transport interface {
	// SGList returns the scatter-gather list covering limit bytes of the
	// command's buffers.
	SGList(limit uint64) (disk.SGList, error)

	// PIOIn copies data into the command's buffers.
	PIOIn(data []byte) error

	// PIOOut copies n bytes out of the command's buffers.
	PIOOut(n uint64) ([]byte, error)

	// Complete hands back the completion of an asynchronous command. It is
	// called from the engine's context.
	Complete(c disk.Completion)
}

// Device is an ATA device with its task file. A Device is not safe for
// concurrent use; its owner serializes every call.
type Device struct {
	name     string
	kind     Kind
	backend  disk.Backend
	engine   disk.Engine
	serial   string
	model    string
	firmware string

	TF TaskFile

	// Packet is the command packet of the last ATAPI command.
	Packet [16]byte

	writeCache bool
	udmaMode   uint16
	standby    bool

	pending    disk.Handle
	pendingLen uint64
}

// Name returns the name of the device.
func (d *Device) Name() string {
	return d.name
}

// Kind returns the device kind.
func (d *Device) Kind() Kind {
	return d.kind
}

// Sectors returns the capacity in sectors.
func (d *Device) Sectors() uint64 {
	if d.backend == nil {
		return 0
	}

	return d.backend.Size() / disk.SectorSize
}

// Engine returns the engine asynchronous transfers go through.
func (d *Device) Engine() disk.Engine {
	return d.engine
}

// Signature returns the value of the port signature register as set by the
// last reset.
func (d *Device) Signature() uint32 {
	return uint32(d.TF.HCyl)<<24 |
		uint32(d.TF.LCyl)<<16 |
		uint32(d.TF.Sector)<<8 |
		uint32(d.TF.Nsector)
}

func (d *Device) setSignature() {
	d.TF.Select &= 0xf0
	d.TF.Nsector = 1
	d.TF.Sector = 1

	if d.kind == KindCDROM {
		d.TF.LCyl = 0x14
		d.TF.HCyl = 0xeb
	} else {
		d.TF.LCyl = 0
		d.TF.HCyl = 0
	}
}

// Reset puts the device back into its post-reset state. A transfer in flight
// is canceled.
func (d *Device) Reset() {
	d.CancelPending()

	d.TF = TaskFile{}
	d.setSignature()
	d.TF.Status = StatusDRDY | StatusSEEK
	d.TF.Error = 0x01
	d.standby = false
}

// CancelPending cancels the asynchronous transfer in flight, if any.
func (d *Device) CancelPending() {
	if d.pending == disk.NoHandle {
		return
	}

	d.engine.Cancel(d.pending)
	d.pending = disk.NoHandle
}

// Execute runs the command in the task file. It returns true when the
// command completed synchronously. Otherwise BSY stays set until the
// transport receives the completion and passes it to Finish.
func (d *Device) Execute(t Transport) bool {
	cmd := d.TF.Command
	d.TF.Error = 0

	klog.V(2).InfoS("ata command",
		"device", d.name, "cmd", CommandName(cmd),
		"lba48", d.TF.LBA48(), "nsector", d.TF.Nsector)

	switch cmd {
	case CmdIdentify:
		return d.execIdentify(t, KindDisk, d.identifyDisk)
	case CmdIdentifyPacket:
		return d.execIdentify(t, KindCDROM, d.identifyPacket)
	case CmdReadDMA, CmdWriteDMA:
		return d.startDMA(t, cmd == CmdWriteDMA, d.TF.LBA28(), d.TF.Count28())
	case CmdReadDMAExt, CmdWriteDMAExt:
		return d.startDMA(t, cmd == CmdWriteDMAExt,
			d.TF.LBA48(), d.TF.Count48())
	case CmdReadSectors, CmdWriteSectors:
		return d.execPIO(t, cmd == CmdWriteSectors,
			d.TF.LBA28(), d.TF.Count28())
	case CmdReadSectorsExt, CmdWriteSectorsExt:
		return d.execPIO(t, cmd == CmdWriteSectorsExt,
			d.TF.LBA48(), d.TF.Count48())
	case CmdFlushCache, CmdFlushCacheExt:
		return d.startFlush(t)
	case CmdSetFeatures:
		return d.execSetFeatures()
	case CmdCheckPowerMode:
		d.TF.Nsector = 0xff
		if d.standby {
			d.TF.Nsector = 0
		}

		return d.succeed()
	case CmdIdleImmediate:
		d.standby = false
		return d.succeed()
	case CmdStandbyImmediate:
		d.standby = true
		return d.succeed()
	case CmdExecDiagnostic:
		d.setSignature()
		d.TF.Status = StatusDRDY | StatusSEEK
		d.TF.Error = 0x01

		return true
	default:
		return d.abort()
	}
}

func (d *Device) succeed() bool {
	d.TF.Status = StatusDRDY | StatusSEEK
	d.TF.Error = 0

	return true
}

func (d *Device) abort() bool {
	d.TF.Status = StatusDRDY | StatusERR
	d.TF.Error = ErrorABRT

	return true
}

func (d *Device) execIdentify(
	t Transport,
	want Kind,
	build func() []byte,
) bool {
	if d.kind != want {
		d.setSignature()
		return d.abort()
	}

	if err := t.PIOIn(build()); err != nil {
		klog.ErrorS(err, "identify transfer failed", "device", d.name)
		return d.abort()
	}

	return d.succeed()
}

func (d *Device) inRange(lba uint64, count uint32) bool {
	return lba+uint64(count) <= d.Sectors()
}

func (d *Device) execPIO(t Transport, write bool, lba uint64, count uint32) bool {
	if d.kind != KindDisk {
		return d.abort()
	}

	if !d.inRange(lba, count) {
		d.TF.Status = StatusDRDY | StatusERR
		d.TF.Error = ErrorIDNF

		return true
	}

	n := uint64(count) * disk.SectorSize
	off := int64(lba * disk.SectorSize)

	var err error
	if write {
		err = d.pioWrite(t, n, off)
	} else {
		err = d.pioRead(t, n, off)
	}

	if err != nil {
		klog.V(2).InfoS("pio transfer failed", "device", d.name, "err", err)
		d.TF.Status = StatusDRDY | StatusERR
		d.TF.Error = ErrorABRT

		return true
	}

	return d.succeed()
}

func (d *Device) pioRead(t Transport, n uint64, off int64) error {
	buf := make([]byte, n)
	if _, err := d.backend.ReadAt(buf, off); err != nil {
		return err
	}

	return t.PIOIn(buf)
}

func (d *Device) pioWrite(t Transport, n uint64, off int64) error {
	buf, err := t.PIOOut(n)
	if err != nil {
		return err
	}

	_, err = d.backend.WriteAt(buf, off)

	return err
}

func (d *Device) startDMA(t Transport, write bool, lba uint64, count uint32) bool {
	if d.kind != KindDisk {
		return d.abort()
	}

	if !d.inRange(lba, count) {
		d.TF.Status = StatusDRDY | StatusERR
		d.TF.Error = ErrorIDNF

		return true
	}

	n := uint64(count) * disk.SectorSize

	sg, err := t.SGList(n)
	if err != nil || sg.Size() < n {
		klog.V(2).InfoS("dma list too short",
			"device", d.name, "want", n, "err", err)
		return d.abort()
	}

	op := disk.OpRead
	if write {
		op = disk.OpWrite
	}

	return d.submit(t, &disk.Request{
		ID:      fmt.Sprintf("%s.%s", d.name, CommandName(d.TF.Command)),
		Op:      op,
		LBA:     lba,
		Sectors: count,
		SG:      sg,
	}, n)
}

func (d *Device) startFlush(t Transport) bool {
	if d.kind != KindDisk {
		return d.abort()
	}

	return d.submit(t, &disk.Request{
		ID: fmt.Sprintf("%s.%s", d.name, CommandName(d.TF.Command)),
		Op: disk.OpFlush,
	}, 0)
}

func (d *Device) submit(t Transport, req *disk.Request, n uint64) bool {
	d.TF.Status = StatusDRDY | StatusBSY
	d.pendingLen = n
	d.pending = d.engine.Submit(req, t.Complete)

	return false
}

// Finish applies the completion of an asynchronous command. It returns false
// for a completion that does not belong to the command in flight. The number
// of bytes transferred is returned for the byte count write-back.
func (d *Device) Finish(c disk.Completion) (ok bool, transferred uint64) {
	if c.Handle == disk.NoHandle || c.Handle != d.pending {
		return false, 0
	}

	d.pending = disk.NoHandle

	if c.Err != nil {
		klog.V(2).InfoS("ata command failed",
			"device", d.name, "cmd", CommandName(d.TF.Command), "err", c.Err)
		d.TF.Status = StatusDRDY | StatusERR
		d.TF.Error = ErrorABRT

		return true, 0
	}

	d.succeed()

	return true, d.pendingLen
}

func (d *Device) execSetFeatures() bool {
	switch d.TF.Feature {
	case 0x02:
		d.writeCache = true
	case 0x82:
		d.writeCache = false
	case 0x03:
		mode := d.TF.Nsector
		if mode>>3 == 0x08 {
			d.udmaMode = 1 << (8 + uint16(mode&0x07))
		}
	case 0x66, 0xcc, 0xaa, 0x55:
	default:
		return d.abort()
	}

	return d.succeed()
}
