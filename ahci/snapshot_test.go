package ahci

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/ahcisim/ata"
)

var _ = Describe("Snapshot", func() {
	var r *rig

	BeforeEach(func() {
		r = newRig(ErrorStop)
		r.start()
	})

	It("should copy the registers", func() {
		s := r.ctrl.Snapshot()

		Expect(s.Name).To(Equal("hba"))
		Expect(s.Policy).To(Equal("stop"))
		Expect(s.GHC & GHCIE).NotTo(BeZero())
		Expect(s.Ports).To(HaveLen(r.ctrl.NumPorts()))

		p := s.Ports[0]
		Expect(p.Drive).To(Equal("drive0"))
		Expect(p.CLB).To(Equal(uint64(clbAddr)))
		Expect(p.FB).To(Equal(uint64(fbAddr)))
		Expect(p.SIG).To(Equal(uint32(sigDisk)))
		Expect(p.SSTS).To(Equal(uint32(sstsDevicePresent)))
		Expect(p.Outstanding()).To(BeZero())
	})

	It("should list queued and halted tags", func() {
		r.queueWrite(0, 2, 10, pattern(512, 1))
		r.queueWrite(1, 5, 11, pattern(512, 2))

		s := r.ctrl.Snapshot()
		Expect(s.Ports[0].Queued).To(Equal([]int{2, 5}))
		Expect(s.Ports[0].SACT).To(Equal(uint32(1<<2 | 1<<5)))
		Expect(s.Ports[0].Outstanding()).To(Equal(2))

		r.backend.Fail()
		r.run()

		s = r.ctrl.Snapshot()
		Expect(s.Ports[0].Queued).To(BeEmpty())
		Expect(s.Ports[0].Halted).To(Equal([]int{2, 5}))
		Expect(s.Ports[0].Outstanding()).To(Equal(2))
	})

	It("should report the busy slot of a legacy command", func() {
		r.command(3, ataFIS(ata.CmdFlushCache, 0, 0), nil, false)
		r.writePort(PortCI, 1<<3)

		Expect(r.ctrl.Snapshot().Ports[0].BusySlot).To(Equal(3))

		r.run()

		Expect(r.ctrl.Snapshot().Ports[0].BusySlot).To(Equal(noSlot))
	})
})
