package ahci

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/ahcisim/ata"
	"github.com/sarchlab/ahcisim/disk"
	"github.com/sarchlab/ahcisim/tracing"
)

func (r *rig) sector(lba uint64) []byte {
	b := make([]byte, disk.SectorSize)
	_, err := r.image.ReadAt(b, int64(lba*disk.SectorSize))
	Expect(err).NotTo(HaveOccurred())

	return b
}

func (r *rig) queueWrite(slot, tag int, lba uint64, data []byte) {
	r.poke(dataBase+uint64(tag)*0x1000, data)
	r.command(slot,
		ncqFIS(ata.CmdWriteFPDMAQueued, tag, lba, uint16(len(data)/disk.SectorSize)),
		[]PRDTEntry{prd(dataBase+uint64(tag)*0x1000, uint64(len(data)))},
		true)
	r.writePort(PortSACT, 1<<uint(tag))
	r.writePort(PortCI, 1<<uint(slot))
}

var _ = Describe("NCQ", func() {
	var r *rig

	BeforeEach(func() {
		r = newRig(ErrorReport)
		r.start()
	})

	It("should complete a queued write with a Set Device Bits FIS", func() {
		data := pattern(512, 3)
		r.queueWrite(3, 3, 100, data)

		Expect(r.readPort(PortCI)).To(BeZero())
		Expect(r.readPort(PortSACT)).To(Equal(uint32(1 << 3)))
		Expect(r.readPort(PortIS) & PortIRQDHRS).To(BeZero())
		Expect(r.d2h().Interrupt).To(BeZero())

		r.run()

		Expect(r.readPort(PortSACT)).To(BeZero())
		Expect(r.sdb().Type).To(Equal(uint8(FISTypeSDB)))
		Expect(r.sdb().Active).To(Equal(uint32(1 << 3)))
		Expect(r.readPort(PortIS) & PortIRQSDBS).NotTo(BeZero())
		Expect(r.readPort(PortIS) & PortIRQTFES).To(BeZero())
		Expect(r.readPort(PortTFD) & 0xff).To(Equal(uint32(0x50)))
		Expect(r.irq.Level()).To(BeTrue())
		Expect(r.sector(100)).To(Equal(data))
		Expect(r.memory.OutstandingMappings()).To(Equal(2))
	})

	It("should complete a queued read", func() {
		data := pattern(1024, 9)
		_, err := r.image.WriteAt(data, 40*disk.SectorSize)
		Expect(err).NotTo(HaveOccurred())

		r.command(0, ncqFIS(ata.CmdReadFPDMAQueued, 0, 40, 2),
			[]PRDTEntry{prd(dataBase, 256), prd(dataBase+0x4000, 768)},
			false)
		r.queue(0)
		r.run()

		Expect(r.peek(dataBase, 256)).To(Equal(data[:256]))
		Expect(r.peek(dataBase+0x4000, 768)).To(Equal(data[256:]))
		Expect(r.sdb().Active).To(Equal(uint32(1)))
	})

	It("should run several tags at once", func() {
		r.queueWrite(1, 1, 10, pattern(512, 1))
		r.queueWrite(5, 5, 11, pattern(1024, 5))

		Expect(r.readPort(PortSACT)).To(Equal(uint32(1<<1 | 1<<5)))

		r.run()

		Expect(r.readPort(PortSACT)).To(BeZero())
		Expect(r.sector(10)).To(Equal(pattern(512, 1)))
		Expect(r.sector(12)).To(Equal(pattern(1024, 5)[512:]))
	})

	It("should drop a command reusing a busy tag", func() {
		r.queueWrite(2, 2, 10, pattern(512, 1))

		r.command(4, ncqFIS(ata.CmdWriteFPDMAQueued, 2, 20, 1),
			[]PRDTEntry{prd(dataBase+0x8000, 512)}, true)
		r.writePort(PortCI, 1<<4)

		Expect(r.readPort(PortCI)).To(BeZero())

		t := r.ctrl.ports[0].ncq[2]
		Expect(t.used).To(BeTrue())
		Expect(t.slot).To(Equal(2))
		Expect(t.lba).To(Equal(uint64(10)))

		r.run()

		Expect(r.sector(10)).To(Equal(pattern(512, 1)))
		Expect(r.sector(20)).To(Equal(make([]byte, 512)))
	})

	It("should use the tag of the FIS when it differs from the slot", func() {
		r.command(1, ncqFIS(ata.CmdWriteFPDMAQueued, 6, 30, 1),
			[]PRDTEntry{prd(dataBase, 512)}, true)
		r.writePort(PortSACT, 1<<6)
		r.writePort(PortCI, 1<<1)

		Expect(r.ctrl.ports[0].ncq[6].used).To(BeTrue())
		Expect(r.ctrl.ports[0].ncq[1].used).To(BeFalse())

		r.run()

		Expect(r.sdb().Active).To(Equal(uint32(1 << 6)))
	})

	It("should fail a command with a short PRDT", func() {
		r.command(0, ncqFIS(ata.CmdWriteFPDMAQueued, 4, 0, 2),
			[]PRDTEntry{prd(dataBase, 512)}, true)
		r.writePort(PortSACT, 1<<4)
		r.writePort(PortCI, 1)

		Expect(r.readPort(PortCI)).To(BeZero())
		Expect(r.readPort(PortSERR)).To(Equal(uint32(1 << 4)))
		Expect(r.readPort(PortIS) & PortIRQOFS).NotTo(BeZero())
		Expect(r.readPort(PortIS) & PortIRQSDBS).To(BeZero())
		Expect(r.ctrl.ports[0].ncq[4].used).To(BeFalse())
		Expect(r.timed.Inflight()).To(BeZero())
	})

	It("should fail unsupported queued commands", func() {
		r.command(0, ncqFIS(ata.CmdNCQNonData, 0, 0, 1),
			[]PRDTEntry{prd(dataBase, 512)}, false)
		r.queue(0)

		sdb := r.sdb()
		Expect(sdb.Active).To(BeZero())
		Expect(sdb.Status & ata.StatusERR).NotTo(BeZero())
		Expect(sdb.Error).To(Equal(uint8(ata.ErrorABRT)))
		Expect(r.readPort(PortIS) & PortIRQTFES).NotTo(BeZero())
		Expect(r.readPort(PortIS) & PortIRQSDBS).NotTo(BeZero())
		Expect(r.readPort(PortSERR) & 1).NotTo(BeZero())
		Expect(r.readPort(PortSACT)).To(Equal(uint32(1)))
	})

	It("should report backing store failures", func() {
		r.backend.Fail()
		r.queueWrite(0, 0, 0, pattern(512, 0))
		r.run()

		sdb := r.sdb()
		Expect(sdb.Active).To(BeZero())
		Expect(sdb.Status).To(Equal(uint8(ata.StatusDRDY | ata.StatusERR)))
		Expect(r.readPort(PortTFD)).To(Equal(uint32(ata.ErrorABRT)<<8 |
			ata.StatusDRDY | ata.StatusERR))
		Expect(r.readPort(PortIS) & PortIRQTFES).NotTo(BeZero())
		Expect(r.readPort(PortSERR)).To(Equal(uint32(1)))
	})

	It("should drop completions for canceled commands", func() {
		r.queueWrite(0, 0, 0, pattern(512, 0))
		r.writePort(PortSCTL, 1)
		r.writePort(PortSCTL, 0)

		Expect(r.timed.Inflight()).To(BeZero())

		r.run()

		Expect(r.readPort(PortIS) & PortIRQSDBS).To(BeZero())
		Expect(r.sector(0)).To(Equal(make([]byte, 512)))
	})

	It("should trace queued commands", func() {
		latency := tracing.NewLatencyTracer(r.engine, tracing.KindFilter("ncq"))
		steps := tracing.NewStepCountTracer(tracing.KindFilter("ncq"))
		tracing.CollectTrace(r.ctrl, latency)
		tracing.CollectTrace(r.ctrl, steps)

		r.queueWrite(0, 0, 0, pattern(512, 0))
		r.queueWrite(1, 1, 1, pattern(512, 1))
		r.run()

		stats := latency.Stats()
		Expect(stats).To(HaveLen(1))
		Expect(stats[0].What).To(Equal("WRITE FPDMA QUEUED"))
		Expect(stats[0].Count).To(Equal(uint64(2)))
		Expect(stats[0].Average).To(BeNumerically(">", 0))
		Expect(latency.Inflight()).To(BeZero())
		Expect(steps.TaskCount("submitted")).To(Equal(uint64(2)))
	})
})

var _ = Describe("NCQ error policies", func() {
	It("should complete failed commands under the ignore policy", func() {
		r := newRig(ErrorIgnore)
		r.start()
		r.backend.Fail()

		r.queueWrite(0, 0, 0, pattern(512, 0))
		r.run()

		Expect(r.sdb().Active).To(Equal(uint32(1)))
		Expect(r.sdb().Status).To(Equal(uint8(0x50)))
		Expect(r.readPort(PortIS) & PortIRQTFES).To(BeZero())
		Expect(r.readPort(PortSACT)).To(BeZero())
	})

	Context("stop", func() {
		var r *rig

		BeforeEach(func() {
			r = newRig(ErrorStop)
			r.start()
			r.backend.Fail()
			r.queueWrite(0, 2, 7, pattern(512, 2))
			r.run()
		})

		It("should halt failed commands", func() {
			Expect(r.readPort(PortIS) & PortIRQSDBS).To(BeZero())
			Expect(r.readPort(PortSACT)).To(Equal(uint32(1 << 2)))
			Expect(r.readPort(PortSERR)).To(Equal(uint32(serrErrE)))
			Expect(r.ctrl.Port(0).HaltedTags()).To(Equal([]int{2}))
		})

		It("should resume halted commands when the backend heals", func() {
			r.backend.Heal()
			r.run()

			Expect(r.ctrl.Port(0).HaltedTags()).To(BeEmpty())
			Expect(r.sdb().Active).To(Equal(uint32(1 << 2)))
			Expect(r.readPort(PortSACT)).To(BeZero())
			Expect(r.sector(7)).To(Equal(pattern(512, 2)))
		})

		It("should resume halted commands on request", func() {
			r.ctrl.ResumeHalted(0)
			r.run()

			Expect(r.ctrl.Port(0).HaltedTags()).To(Equal([]int{2}))

			r.backend.Heal()
			r.run()
			r.ctrl.ResumeHalted(0)
			r.run()

			Expect(r.readPort(PortSACT)).To(BeZero())
		})

		It("should forget halted commands on port reset", func() {
			r.writePort(PortSCTL, 1)
			r.writePort(PortSCTL, 0)

			Expect(r.ctrl.Port(0).HaltedTags()).To(BeEmpty())

			r.backend.Heal()
			r.run()

			Expect(r.readPort(PortIS) & PortIRQSDBS).To(BeZero())
		})
	})
})

var _ = Describe("NCQ with a mocked engine", func() {
	var (
		mockCtrl *gomock.Controller
		engine   *MockEngine
		r        *rig
		done     func(disk.Completion)
		req      *disk.Request
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		engine = NewMockEngine(mockCtrl)
		r = newRig(ErrorReport)
		r.ctrl.AttachDrive(0, ata.MakeBuilder().
			WithBackend(r.backend).
			WithEngine(engine).
			Build("drive1"))
		r.start()

		engine.EXPECT().Submit(gomock.Any(), gomock.Any()).
			DoAndReturn(func(q *disk.Request, fn func(disk.Completion)) disk.Handle {
				req = q
				done = fn

				return 7
			})

		r.command(0, ncqFIS(ata.CmdReadFPDMAQueued, 9, 0x0102030405, 3),
			[]PRDTEntry{prd(dataBase, 1024), prd(dataBase+0x2000, 1024)},
			false)
		r.writePort(PortSACT, 1<<9)
		r.writePort(PortCI, 1)
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should submit the request described by the FIS", func() {
		Expect(req.Op).To(Equal(disk.OpRead))
		Expect(req.LBA).To(Equal(uint64(0x0102030405)))
		Expect(req.Sectors).To(Equal(uint32(3)))
		Expect(req.SG).To(Equal(disk.SGList{
			{Addr: dataBase, Len: 1024},
			{Addr: dataBase + 0x2000, Len: 512},
		}))
	})

	It("should finish on completion", func() {
		done(disk.Completion{Handle: 7, Req: req})

		Expect(r.sdb().Active).To(Equal(uint32(1 << 9)))
		Expect(r.readPort(PortSACT)).To(BeZero())
	})

	It("should drop completions with a stale handle", func() {
		done(disk.Completion{Handle: 8, Req: req})

		Expect(r.readPort(PortIS) & PortIRQSDBS).To(BeZero())
		Expect(r.ctrl.ports[0].ncq[9].used).To(BeTrue())
	})

	It("should cancel the request on port reset", func() {
		engine.EXPECT().Cancel(disk.Handle(7))

		r.writePort(PortSCTL, 1)
		r.writePort(PortSCTL, 0)
		done(disk.Completion{Handle: 7, Req: req})

		Expect(r.readPort(PortIS) & PortIRQSDBS).To(BeZero())
		Expect(r.readPort(PortSACT)).To(BeZero())
	})

	It("should cancel the request on controller reset", func() {
		engine.EXPECT().Cancel(disk.Handle(7))

		r.ctrl.Reset()

		Expect(r.ctrl.ports[0].ncq[9].used).To(BeFalse())
	})

	It("should cancel the request on the engine of a replaced drive", func() {
		other := NewMockEngine(mockCtrl)
		engine.EXPECT().Cancel(disk.Handle(7))

		r.ctrl.AttachDrive(0, ata.MakeBuilder().
			WithBackend(r.backend).
			WithEngine(other).
			Build("drive2"))

		Expect(r.ctrl.ports[0].ncq[9].used).To(BeFalse())
		Expect(r.ctrl.Port(0).Drive().Engine()).To(BeIdenticalTo(other))
	})

	It("should cancel the request when the drive is detached", func() {
		engine.EXPECT().Cancel(disk.Handle(7))

		r.ctrl.AttachDrive(0, nil)

		Expect(r.ctrl.ports[0].ncq[9].used).To(BeFalse())
		Expect(r.readPort(PortSSTS)).To(BeZero())
	})
})
