package ata

import (
	"encoding/binary"
)

// identifyWords is the size of an IDENTIFY response in 16-bit words.
const identifyWords = 256

type identifyData [identifyWords]uint16

// putString stores s into words [first, first+n) with the byte order ATA
// strings use, padded with spaces.
func (id *identifyData) putString(first, n int, s string) {
	buf := make([]byte, n*2)
	for i := range buf {
		buf[i] = ' '
	}
	copy(buf, s)

	for i := 0; i < n; i++ {
		id[first+i] = uint16(buf[2*i])<<8 | uint16(buf[2*i+1])
	}
}

func (id *identifyData) bytes() []byte {
	out := make([]byte, identifyWords*2)
	for i, w := range id {
		binary.LittleEndian.PutUint16(out[2*i:], w)
	}

	return out
}

func (d *Device) identifyDisk() []byte {
	var id identifyData

	sectors := d.Sectors()
	lba28 := sectors
	if lba28 > 0x0fffffff {
		lba28 = 0x0fffffff
	}

	cyls := sectors / (16 * 63)
	if cyls > 16383 {
		cyls = 16383
	}

	id[0] = 0x0040
	id[1] = uint16(cyls)
	id[3] = 16
	id[6] = 63
	id.putString(10, 10, d.serial)
	id.putString(23, 4, d.firmware)
	id.putString(27, 20, d.model)
	id[47] = 0x8000 | 16
	id[49] = 1<<11 | 1<<9 | 1<<8
	id[53] = 1<<1 | 1<<2
	id[60] = uint16(lba28)
	id[61] = uint16(lba28 >> 16)
	id[63] = 0x07
	id[75] = 31
	id[76] = 1<<8 | 1<<1
	id[80] = 0xf0
	id[82] = 1<<14 | 1<<5 | 1
	id[83] = 1<<14 | 1<<13 | 1<<12 | 1<<10
	id[84] = 1 << 14
	id[85] = 1<<14 | 1
	if d.writeCache {
		id[85] |= 1 << 5
	}
	id[86] = 1<<13 | 1<<12 | 1<<10
	id[87] = 1 << 14
	id[88] = 0x3f | d.udmaMode
	id[100] = uint16(sectors)
	id[101] = uint16(sectors >> 16)
	id[102] = uint16(sectors >> 32)
	id[103] = uint16(sectors >> 48)

	return id.bytes()
}

func (d *Device) identifyPacket() []byte {
	var id identifyData

	id[0] = 2<<14 | 5<<8 | 1<<7 | 2<<5
	id.putString(10, 10, d.serial)
	id.putString(23, 4, d.firmware)
	id.putString(27, 20, d.model)
	id[49] = 1<<9 | 1<<8
	id[53] = 1<<1 | 1<<2
	id[63] = 0x07
	id[71] = 30
	id[72] = 30
	id[80] = 0x1e
	id[88] = 0x3f | d.udmaMode

	return id.bytes()
}
