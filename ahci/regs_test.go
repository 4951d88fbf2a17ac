package ahci

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Register file", func() {
	var r *rig

	BeforeEach(func() {
		r = newRig(ErrorReport)
	})

	It("should report the reset values", func() {
		Expect(r.read(RegCAP)).To(Equal(uint32(
			capS64A | capSNCQ | capSAM | capISS1 | capNCS)))
		Expect(r.read(RegGHC)).To(Equal(uint32(GHCAE)))
		Expect(r.read(RegPI)).To(Equal(uint32(1)))
		Expect(r.read(RegVS)).To(Equal(uint32(0x00010300)))
		Expect(r.read(RegCAP2)).To(BeZero())
		Expect(r.readPort(PortCMD)).To(Equal(uint32(CmdSUD | CmdPOD)))
		Expect(r.readPort(PortSSTS)).To(Equal(uint32(0x113)))
	})

	It("should report the number of ports", func() {
		c := MakeBuilder().WithNumPorts(4).WithMemory(r.memory).Build("hba4")

		Expect(c.Read(RegCAP, 4) & 0x1f).To(Equal(uint64(3)))
		Expect(c.Read(RegPI, 4)).To(Equal(uint64(0xf)))
		Expect(c.Read(PortBase(1)+PortSSTS, 4)).To(BeZero())
	})

	It("should panic on an invalid number of ports", func() {
		Expect(func() {
			MakeBuilder().WithNumPorts(33).WithMemory(r.memory).Build("bad")
		}).To(Panic())
	})

	It("should ignore read-only registers", func() {
		r.write(RegCAP, 0)
		r.write(RegVS, 0)
		r.writePort(PortSIG, 0)

		Expect(r.read(RegCAP)).NotTo(BeZero())
		Expect(r.read(RegVS)).To(Equal(uint32(0x00010300)))
		Expect(r.readPort(PortSIG)).To(Equal(uint32(0xffffffff)))
	})

	It("should read zero from unknown offsets and ignore writes", func() {
		r.write(0x2c, 0xdeadbeef)
		Expect(r.read(0x2c)).To(BeZero())

		r.writePort(0x44, 0xdeadbeef)
		Expect(r.readPort(0x44)).To(BeZero())

		r.write(PortBase(5), 0xdeadbeef)
		Expect(r.read(PortBase(5))).To(BeZero())
	})

	It("should reject unaligned accesses", func() {
		r.writePort(PortCLB, clbAddr)

		Expect(r.ctrl.Read(PortBase(0)+PortCLB+1, 2)).To(BeZero())
		Expect(r.ctrl.Read(PortBase(0)+PortCLB+4, 8)).To(BeZero())
		Expect(r.ctrl.Read(PortBase(0)+PortCLB, 3)).To(BeZero())

		r.ctrl.Write(PortBase(0)+PortCLB+2, 4, 0xffffffff)
		Expect(r.readPort(PortCLB)).To(Equal(uint32(clbAddr)))
	})

	It("should merge sub-dword writes", func() {
		r.writePort(PortCLB, 0x12345400)
		r.ctrl.Write(PortBase(0)+PortCLB+2, 2, 0xabcd)

		Expect(r.readPort(PortCLB)).To(Equal(uint32(0xabcd5400)))
		Expect(r.ctrl.Read(PortBase(0)+PortCLB+3, 1)).To(Equal(uint64(0xab)))
		Expect(r.ctrl.Read(PortBase(0)+PortCLB+1, 1)).To(Equal(uint64(0x54)))
	})

	It("should split qword accesses", func() {
		r.ctrl.Write(PortBase(0)+PortCLB, 8, 0x00000001_00010000)

		Expect(r.readPort(PortCLB)).To(Equal(uint32(0x00010000)))
		Expect(r.readPort(PortCLBU)).To(Equal(uint32(1)))
		Expect(r.ctrl.Read(PortBase(0)+PortCLB, 8)).
			To(Equal(uint64(0x00000001_00010000)))
	})

	It("should mask the base address registers", func() {
		r.writePort(PortCLB, 0xffffffff)
		r.writePort(PortFB, 0xffffffff)

		Expect(r.readPort(PortCLB)).To(Equal(uint32(0xfffffc00)))
		Expect(r.readPort(PortFB)).To(Equal(uint32(0xffffff00)))
	})

	It("should mask PxIE", func() {
		r.writePort(PortIE, 0xffffffff)
		Expect(r.readPort(PortIE)).To(Equal(uint32(0xfdc000ff)))
	})

	It("should keep the read-only bits of PxCMD and drop ICC", func() {
		r.writePort(PortCMD, 0xf0000000|CmdCR|CmdFR|CmdSUD)

		Expect(r.readPort(PortCMD)).To(Equal(uint32(CmdSUD)))
	})

	It("should OR into PxSACT", func() {
		r.writePort(PortSACT, 0x1)
		r.writePort(PortSACT, 0x4)
		r.writePort(PortSACT, 0x0)

		Expect(r.readPort(PortSACT)).To(Equal(uint32(0x5)))
	})

	Context("RW1C registers", func() {
		BeforeEach(func() {
			r.start()
			r.ctrl.mu.Lock()
			p := r.ctrl.ports[0]
			p.regs[pxSERR] = 0x00030005
			p.raise(PortIRQDHRS | PortIRQSDBS | PortIRQTFES)
			r.ctrl.mu.Unlock()
		})

		It("should read the same value twice", func() {
			Expect(r.read(RegIS)).To(Equal(r.read(RegIS)))
			Expect(r.readPort(PortIS)).To(Equal(r.readPort(PortIS)))
			Expect(r.readPort(PortSERR)).To(Equal(r.readPort(PortSERR)))
		})

		It("should clear exactly the bits written back", func() {
			r.writePort(PortSERR, 0x00010001)
			Expect(r.readPort(PortSERR)).To(Equal(uint32(0x00020004)))

			is := r.readPort(PortIS)
			r.writePort(PortIS, PortIRQSDBS)
			Expect(r.readPort(PortIS)).To(Equal(is &^ PortIRQSDBS))

			r.writePort(PortIS, r.readPort(PortIS))
			Expect(r.readPort(PortIS)).To(BeZero())
		})

		It("should only clear bits in the bytes written", func() {
			r.ctrl.Write(PortBase(0)+PortSERR+2, 1, 0x01)
			Expect(r.readPort(PortSERR)).To(Equal(uint32(0x00020005)))
		})

		It("should drop IS once the port bits are cleared", func() {
			Expect(r.read(RegIS)).To(Equal(uint32(1)))
			Expect(r.irq.Level()).To(BeTrue())

			r.writePort(PortIS, 0xffffffff)

			Expect(r.read(RegIS)).To(BeZero())
			Expect(r.irq.Level()).To(BeFalse())
		})
	})

	It("should reset the controller on GHC.HR", func() {
		r.start()
		r.writePort(PortSACT, 0xff)

		r.write(RegGHC, GHCHR)

		Expect(r.read(RegGHC)).To(Equal(uint32(GHCAE)))
		Expect(r.readPort(PortCMD)).To(Equal(uint32(CmdSUD | CmdPOD)))
		Expect(r.readPort(PortIE)).To(BeZero())
		Expect(r.readPort(PortSACT)).To(BeZero())
		Expect(r.memory.OutstandingMappings()).To(BeZero())
		Expect(r.irq.Level()).To(BeFalse())
	})

	It("should reset the port on COMRESET", func() {
		r.start()
		r.writePort(PortSACT, 0x3)
		r.writePort(PortSERR, 0)
		r.ctrl.mu.Lock()
		r.ctrl.ports[0].regs[pxSERR] = 0x1
		r.ctrl.mu.Unlock()

		r.writePort(PortSCTL, 1)
		Expect(r.readPort(PortSACT)).To(Equal(uint32(0x3)))

		r.writePort(PortSCTL, 0)

		Expect(r.readPort(PortSACT)).To(BeZero())
		Expect(r.readPort(PortSERR)).To(BeZero())
		Expect(r.readPort(PortSCTL)).To(BeZero())
		Expect(r.readPort(PortSIG)).To(Equal(uint32(sigDisk)))
		Expect(r.readPort(PortIS) & PortIRQDHRS).NotTo(BeZero())
	})
})
