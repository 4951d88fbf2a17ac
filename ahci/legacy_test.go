package ahci

import (
	"encoding/binary"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/ahcisim/ata"
	"github.com/sarchlab/ahcisim/disk"
)

func ataString(b []byte) string {
	out := make([]byte, len(b))
	for i := 0; i+1 < len(b); i += 2 {
		out[i], out[i+1] = b[i+1], b[i]
	}

	return strings.TrimRight(string(out), " ")
}

func (r *rig) prdbc(slot int) uint32 {
	return binary.LittleEndian.Uint32(r.peek(clbAddr+uint64(slot)*cmdHdrSize+4, 4))
}

var _ = Describe("Legacy commands", func() {
	var r *rig

	BeforeEach(func() {
		r = newRig(ErrorReport)
		r.start()
	})

	It("should identify the device", func() {
		r.command(0, ataFIS(ata.CmdIdentify, 0, 0),
			[]PRDTEntry{prd(dataBase, 512)}, false)
		r.writePort(PortCI, 1)

		Expect(r.readPort(PortCI)).To(BeZero())
		Expect(r.prdbc(0)).To(Equal(uint32(512)))

		is := r.readPort(PortIS)
		Expect(is & PortIRQPSS).NotTo(BeZero())
		Expect(is & PortIRQDHRS).NotTo(BeZero())
		Expect(is & PortIRQTFES).To(BeZero())

		d2h := r.d2h()
		Expect(d2h.Interrupt).To(Equal(uint8(1)))
		Expect(d2h.Status).To(Equal(uint8(0x50)))

		var pio PIOSetup
		Expect(Decode(r.peek(fbAddr+RxFISPIO, 20), &pio)).To(Succeed())
		Expect(pio.Type).To(Equal(uint8(FISTypePIOSetup)))
		Expect(pio.Direction).To(Equal(uint8(1)))
		Expect(pio.TransferCount).To(Equal(uint16(512)))

		id := r.peek(dataBase, 512)
		Expect(ataString(id[20:40])).To(Equal("AHCISIM0001"))
		Expect(ataString(id[54:94])).To(Equal("AHCISIM HARDDISK"))
		Expect(binary.LittleEndian.Uint16(id[2*76:]) & (1 << 8)).NotTo(BeZero())
		Expect(binary.LittleEndian.Uint16(id[2*100:])).To(Equal(uint16(diskSectors)))
	})

	It("should abort IDENTIFY PACKET DEVICE on a disk", func() {
		r.command(0, ataFIS(ata.CmdIdentifyPacket, 0, 0),
			[]PRDTEntry{prd(dataBase, 512)}, false)
		r.writePort(PortCI, 1)

		d2h := r.d2h()
		Expect(d2h.Status & ata.StatusERR).NotTo(BeZero())
		Expect(d2h.Error).To(Equal(uint8(ata.ErrorABRT)))
		Expect(r.readPort(PortIS) & PortIRQTFES).NotTo(BeZero())
		Expect(r.readPort(PortTFD) >> 8).To(Equal(uint32(ata.ErrorABRT)))
	})

	It("should abort unknown commands", func() {
		r.command(0, ataFIS(0x42, 0, 0), nil, false)
		r.writePort(PortCI, 1)

		Expect(r.readPort(PortCI)).To(BeZero())
		Expect(r.d2h().Status & ata.StatusERR).NotTo(BeZero())
	})

	It("should write with DMA", func() {
		data := pattern(1024, 4)
		r.poke(dataBase, data)
		r.command(0, ataFIS(ata.CmdWriteDMAExt, 5, 2),
			[]PRDTEntry{prd(dataBase, 1024)}, true)
		r.writePort(PortCI, 1)

		Expect(r.readPort(PortCI)).To(Equal(uint32(1)))
		Expect(r.drive.TF.Busy()).To(BeTrue())

		r.run()

		Expect(r.readPort(PortCI)).To(BeZero())
		Expect(r.prdbc(0)).To(Equal(uint32(1024)))
		Expect(r.d2h().Interrupt).To(Equal(uint8(1)))
		Expect(r.readPort(PortTFD) & 0xff).To(Equal(uint32(0x50)))
		Expect(r.sector(5)).To(Equal(data[:512]))
		Expect(r.sector(6)).To(Equal(data[512:]))
	})

	It("should read with DMA", func() {
		data := pattern(512, 8)
		_, err := r.image.WriteAt(data, 9*disk.SectorSize)
		Expect(err).NotTo(HaveOccurred())

		r.command(0, ataFIS(ata.CmdReadDMA, 9, 1),
			[]PRDTEntry{prd(dataBase, 512)}, false)
		r.writePort(PortCI, 1)
		r.run()

		Expect(r.peek(dataBase, 512)).To(Equal(data))
		Expect(r.readPort(PortCI)).To(BeZero())
	})

	It("should report DMA failures", func() {
		r.backend.Fail()
		r.command(0, ataFIS(ata.CmdReadDMA, 9, 1),
			[]PRDTEntry{prd(dataBase, 512)}, false)
		r.writePort(PortCI, 1)
		r.run()

		Expect(r.readPort(PortCI)).To(BeZero())
		Expect(r.prdbc(0)).To(BeZero())
		Expect(r.d2h().Status & ata.StatusERR).NotTo(BeZero())
		Expect(r.readPort(PortIS) & PortIRQTFES).NotTo(BeZero())
	})

	It("should raise OFS when the PRDT is too short for the transfer", func() {
		r.command(0, ataFIS(ata.CmdReadDMA, 9, 2),
			[]PRDTEntry{prd(dataBase, 512)}, false)
		r.writePort(PortCI, 1)

		Expect(r.readPort(PortCI)).To(BeZero())
		Expect(r.readPort(PortIS) & PortIRQOFS).NotTo(BeZero())
		Expect(r.d2h().Error).To(Equal(uint8(ata.ErrorABRT)))
		Expect(r.prdbc(0)).To(BeZero())
	})

	It("should reject transfers past the end of the disk", func() {
		r.command(0, ataFIS(ata.CmdReadDMAExt, diskSectors-1, 2),
			[]PRDTEntry{prd(dataBase, 1024)}, false)
		r.writePort(PortCI, 1)

		Expect(r.readPort(PortCI)).To(BeZero())
		Expect(r.d2h().Error).To(Equal(uint8(ata.ErrorIDNF)))
	})

	It("should transfer sectors with PIO", func() {
		data := pattern(512, 6)
		r.poke(dataBase, data)
		r.command(0, ataFIS(ata.CmdWriteSectors, 3, 1),
			[]PRDTEntry{prd(dataBase, 512)}, true)
		r.writePort(PortCI, 1)

		Expect(r.readPort(PortCI)).To(BeZero())
		Expect(r.prdbc(0)).To(Equal(uint32(512)))
		Expect(r.sector(3)).To(Equal(data))

		r.command(1, ataFIS(ata.CmdReadSectorsExt, 3, 1),
			[]PRDTEntry{prd(dataBase+0x1000, 512)}, false)
		r.writePort(PortCI, 2)

		Expect(r.peek(dataBase+0x1000, 512)).To(Equal(data))
	})

	It("should flush the cache", func() {
		r.command(0, ataFIS(ata.CmdFlushCacheExt, 0, 0), nil, false)
		r.writePort(PortCI, 1)

		Expect(r.readPort(PortCI)).To(Equal(uint32(1)))

		r.run()

		Expect(r.readPort(PortCI)).To(BeZero())
		Expect(r.d2h().Status).To(Equal(uint8(0x50)))
	})

	It("should keep a command pending while the device is busy", func() {
		r.poke(dataBase, pattern(512, 1))
		r.command(0, ataFIS(ata.CmdWriteDMA, 0, 1),
			[]PRDTEntry{prd(dataBase, 512)}, true)
		r.command(1, ataFIS(ata.CmdIdentify, 0, 0),
			[]PRDTEntry{prd(dataBase+0x1000, 512)}, false)

		r.writePort(PortCI, 1)
		r.writePort(PortCI, 2)
		r.writePort(PortCI, 2)

		Expect(r.readPort(PortCI)).To(Equal(uint32(3)))
		Expect(r.prdbc(1)).To(BeZero())

		r.run()

		Expect(r.readPort(PortCI)).To(BeZero())
		Expect(r.prdbc(1)).To(Equal(uint32(512)))
	})

	It("should not run commands while the engine is stopped", func() {
		r.writePort(PortCMD, CmdFRE)
		r.command(0, ataFIS(ata.CmdIdentify, 0, 0),
			[]PRDTEntry{prd(dataBase, 512)}, false)
		r.writePort(PortCI, 1)

		Expect(r.readPort(PortCI)).To(Equal(uint32(1)))

		r.writePort(PortCMD, CmdFRE|CmdST)

		Expect(r.readPort(PortCI)).To(BeZero())
	})

	It("should skip frames that are not Register H2D", func() {
		fis := ataFIS(ata.CmdIdentify, 0, 0)
		fis.Type = FISTypeRegD2H
		r.command(0, fis, []PRDTEntry{prd(dataBase, 512)}, false)
		r.writePort(PortCI, 1)

		Expect(r.readPort(PortCI)).To(BeZero())
		Expect(r.prdbc(0)).To(BeZero())
	})

	It("should ignore frames for a port multiplier", func() {
		fis := ataFIS(ata.CmdIdentify, 0, 0)
		fis.PMP = 1
		r.command(0, fis, []PRDTEntry{prd(dataBase, 512)}, false)
		r.writePort(PortCI, 1)

		Expect(r.readPort(PortIS) & PortIRQPSS).To(BeZero())
	})

	It("should raise HBFS when the command table is cut short", func() {
		r.memory.AddRAM(0x200000, 0x40)
		hdr := CommandHeader{CFL: 5, CTBA: 0x200000}
		b, err := Encode(&hdr)
		Expect(err).NotTo(HaveOccurred())
		r.poke(clbAddr, b)

		r.writePort(PortCI, 1)

		Expect(r.readPort(PortIS) & PortIRQHBFS).NotTo(BeZero())
		Expect(r.memory.OutstandingMappings()).To(Equal(2))
	})

	It("should reset the port through SRST", func() {
		assert := ataFIS(0, 0, 0)
		assert.C = 0
		assert.Control = ataSRST
		r.command(0, assert, nil, false)
		r.writePort(PortCI, 1)

		Expect(r.readPort(PortCI)).To(BeZero())
		Expect(r.readPort(PortIS) & PortIRQDHRS).To(BeZero())

		release := ataFIS(0, 0, 0)
		release.C = 0
		r.command(1, release, nil, false)
		r.writePort(PortCI, 2)

		Expect(r.readPort(PortIS) & PortIRQDHRS).NotTo(BeZero())
		Expect(r.readPort(PortSIG)).To(Equal(uint32(sigDisk)))
		Expect(r.readPort(PortTFD)).To(Equal(uint32(0x0150)))
	})

	It("should only follow SRST in frames without the command bit", func() {
		check := ataFIS(ata.CmdCheckPowerMode, 0, 0)
		check.Control = ataSRST
		r.command(0, check, nil, false)
		r.writePort(PortCI, 1)

		Expect(r.ctrl.ports[0].state).To(Equal(portStateRun))

		r.queueWrite(1, 2, 40, pattern(512, 3))
		r.command(3, ataFIS(ata.CmdCheckPowerMode, 0, 0), nil, false)
		r.writePort(PortCI, 1<<3)

		Expect(r.readPort(PortSACT)).To(Equal(uint32(1 << 2)))

		r.run()

		Expect(r.readPort(PortSACT)).To(BeZero())
		Expect(r.sector(40)).To(Equal(pattern(512, 3)))
	})

	It("should pass the ATAPI packet to the device", func() {
		cd := ata.MakeBuilder().WithKind(ata.KindCDROM).Build("cd0")
		r.ctrl.AttachDrive(0, cd)

		packet := []byte{0x12, 0, 0, 0, 36, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
		r.command(0, ataFIS(ata.CmdPacket, 0, 0),
			[]PRDTEntry{prd(dataBase, 36)}, false)
		r.poke(ctba(0)+acmdOffset, packet)

		hdr := CommandHeader{CFL: 5, ATAPI: 1, PRDTL: 1, CTBA: ctba(0)}
		b, err := Encode(&hdr)
		Expect(err).NotTo(HaveOccurred())
		r.poke(clbAddr, b)

		r.writePort(PortCI, 1)

		Expect(cd.Packet[:]).To(Equal(packet))
		Expect(r.readPort(PortCI)).To(BeZero())
	})
})
