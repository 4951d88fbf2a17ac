package guest_test

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/ahcisim/ahci"
	"github.com/sarchlab/ahcisim/ata"
	"github.com/sarchlab/ahcisim/disk"
	"github.com/sarchlab/ahcisim/guest"
	"github.com/sarchlab/ahcisim/mem"
	"github.com/sarchlab/ahcisim/sim"
)

const (
	base        = 0x100000
	diskSectors = 8192
)

type system struct {
	engine  *sim.SerialEngine
	memory  *mem.PhysicalMemory
	image   *disk.MemBackend
	backend *disk.FaultyBackend
	ctrl    *ahci.Controller
	drv     *guest.Driver
}

func newSystem(policy ahci.ErrorPolicy, withDisk bool) *system {
	s := &system{
		engine: sim.NewSerialEngine(),
		memory: mem.NewPhysicalMemory(),
		image:  disk.NewMemBackend(diskSectors * disk.SectorSize),
	}
	s.memory.AddRAM(base, guest.MemoryNeeded(2))
	s.backend = disk.NewFaultyBackend(s.image)

	s.ctrl = ahci.MakeBuilder().
		WithNumPorts(2).
		WithMemory(s.memory).
		WithErrorPolicy(policy).
		Build("hba")
	s.ctrl.AttachDrive(0, ata.MakeBuilder().
		WithKind(ata.KindCDROM).
		Build("cd0"))

	if withDisk {
		timed := disk.MakeTimedEngineBuilder().
			WithEngine(s.engine).
			WithMemory(s.memory).
			WithBackend(s.backend).
			WithLatency(100).
			WithPerSectorLatency(2).
			Build("disk")
		s.ctrl.AttachDrive(1, ata.MakeBuilder().
			WithBackend(s.backend).
			WithEngine(timed).
			Build("drive0"))
	}

	s.drv = guest.MakeBuilder().
		WithMMIO(s.ctrl).
		WithMemory(s.memory).
		WithRunner(s.engine).
		WithBase(base).
		Build("guest")

	return s
}

func (s *system) port() *guest.Port {
	Expect(s.drv.Init()).To(Succeed())
	Expect(s.drv.Ports()).To(HaveLen(1))

	return s.drv.Ports()[0]
}

func (s *system) onDisk(lba uint64, n int) []byte {
	b := make([]byte, n)
	_, err := s.image.ReadAt(b, int64(lba*disk.SectorSize))
	Expect(err).NotTo(HaveOccurred())

	return b
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed ^ byte(i*13+i>>9)
	}

	return b
}

var _ = Describe("Driver", func() {
	It("should find and identify the disk", func() {
		s := newSystem(ahci.ErrorReport, true)
		p := s.port()

		Expect(p.Index()).To(Equal(1))
		Expect(p.Depth()).To(Equal(32))

		id := p.Identity()
		Expect(id.Model).To(Equal("AHCISIM HARDDISK"))
		Expect(id.Serial).To(Equal("AHCISIM0001"))
		Expect(id.Firmware).To(Equal("1.0"))
		Expect(id.Sectors).To(Equal(uint64(diskSectors)))
		Expect(id.LBA48).To(BeTrue())
		Expect(id.NCQ).To(BeTrue())
		Expect(id.QueueDepth).To(Equal(32))
		Expect(id.WriteCache).To(BeTrue())

		Expect(s.drv.Interrupts()).To(BeNumerically(">", 0))
		Expect(s.read(ahci.RegGHC) & ahci.GHCIE).NotTo(BeZero())
	})

	It("should fail without a disk", func() {
		s := newSystem(ahci.ErrorReport, false)

		Expect(s.drv.Init()).To(MatchError(guest.ErrNoDevice))
	})

	It("should write and read with queued commands", func() {
		s := newSystem(ahci.ErrorReport, true)
		p := s.port()
		data := pattern(33*guest.MaxTransfer+3*disk.SectorSize, 5)

		Expect(p.Write(100, data)).To(Succeed())
		Expect(s.onDisk(100, len(data))).To(Equal(data))

		got, err := p.Read(100, len(data)/disk.SectorSize)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(data))

		Expect(p.Stats().Commands).To(BeNumerically(">=", 68))
		Expect(p.Stats().Errors).To(BeZero())
		Expect(s.memory.OutstandingMappings()).To(Equal(2))
	})

	It("should transfer with legacy DMA", func() {
		s := newSystem(ahci.ErrorReport, true)
		p := s.port()
		data := pattern(4*disk.SectorSize, 9)

		Expect(p.WriteDMA(7, data)).To(Succeed())
		Expect(p.Flush()).To(Succeed())

		got, err := p.ReadDMA(7, 4)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(data))

		st := p.Stats()
		Expect(st.Reads).To(Equal(uint64(1)))
		Expect(st.Writes).To(Equal(uint64(1)))
		Expect(st.Flushes).To(Equal(uint64(1)))
		Expect(st.String()).To(ContainSubstring("flushes 1"))
	})

	It("should report addresses past the end of the disk", func() {
		s := newSystem(ahci.ErrorReport, true)
		p := s.port()

		_, err := p.ReadDMA(diskSectors-1, 2)

		var devErr *guest.DeviceError
		Expect(errors.As(err, &devErr)).To(BeTrue())
		Expect(devErr.Err).To(Equal(uint8(ata.ErrorIDNF)))
		Expect(errors.Is(err, guest.ErrDevice)).To(BeTrue())
	})

	It("should reject partial sectors", func() {
		s := newSystem(ahci.ErrorReport, true)
		p := s.port()

		Expect(p.Write(0, make([]byte, 100))).To(MatchError(guest.ErrBadLength))
		Expect(p.WriteDMA(0, make([]byte, 100))).To(MatchError(guest.ErrBadLength))
	})

	It("should recover from failed queued commands", func() {
		s := newSystem(ahci.ErrorReport, true)
		p := s.port()

		s.backend.Fail()
		err := p.Write(10, pattern(disk.SectorSize, 1))

		var devErr *guest.DeviceError
		Expect(errors.As(err, &devErr)).To(BeTrue())
		Expect(devErr.Tags).To(Equal(uint32(1)))
		Expect(devErr.Command).To(Equal(uint8(ata.CmdWriteFPDMAQueued)))
		Expect(devErr.Err).To(Equal(uint8(ata.ErrorABRT)))
		Expect(p.Stats().Errors).To(Equal(uint64(1)))

		s.backend.Heal()
		data := pattern(disk.SectorSize, 2)

		Expect(p.Write(10, data)).To(Succeed())
		Expect(s.onDisk(10, len(data))).To(Equal(data))
	})

	It("should wait for halted commands to resume", func() {
		s := newSystem(ahci.ErrorStop, true)
		p := s.port()
		data := pattern(3*guest.MaxTransfer, 3)

		s.backend.Fail()
		err := p.Write(20, data)

		Expect(err).To(MatchError(guest.ErrHalted))
		Expect(s.ctrl.Port(1).HaltedTags()).To(Equal([]int{0, 1, 2}))

		s.backend.Heal()

		Expect(p.Wait()).To(Succeed())
		Expect(s.onDisk(20, len(data))).To(Equal(data))
		Expect(s.ctrl.Port(1).HaltedTags()).To(BeEmpty())
	})

	It("should refuse legacy commands while queued commands are halted", func() {
		s := newSystem(ahci.ErrorStop, true)
		p := s.port()

		s.backend.Fail()
		Expect(p.Write(0, pattern(disk.SectorSize, 1))).
			To(MatchError(guest.ErrHalted))

		Expect(p.Flush()).To(MatchError(guest.ErrBusy))
		Expect(p.Write(0, pattern(disk.SectorSize, 1))).
			To(MatchError(guest.ErrBusy))
	})
})

func (s *system) read(off uint64) uint32 {
	return uint32(s.ctrl.Read(off, 4))
}
