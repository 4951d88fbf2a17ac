package guest

import (
	"encoding/binary"
	"strings"
)

// Identity is what the driver learned from IDENTIFY DEVICE.
type Identity struct {
	Serial     string
	Firmware   string
	Model      string
	Sectors    uint64
	LBA48      bool
	NCQ        bool
	QueueDepth int
	WriteCache bool
}

func parseIdentity(b []byte) *Identity {
	word := func(i int) uint16 {
		return binary.LittleEndian.Uint16(b[2*i:])
	}

	str := func(first, n int) string {
		s := make([]byte, 2*n)
		for i := 0; i < n; i++ {
			w := word(first + i)
			s[2*i] = byte(w >> 8)
			s[2*i+1] = byte(w)
		}

		return strings.TrimSpace(string(s))
	}

	id := &Identity{
		Serial:     str(10, 10),
		Firmware:   str(23, 4),
		Model:      str(27, 20),
		LBA48:      word(83)&(1<<10) != 0,
		NCQ:        word(76)&(1<<8) != 0,
		QueueDepth: int(word(75)&0x1f) + 1,
		WriteCache: word(85)&(1<<5) != 0,
	}

	if id.LBA48 {
		id.Sectors = uint64(word(100)) | uint64(word(101))<<16 |
			uint64(word(102))<<32 | uint64(word(103))<<48
	} else {
		id.Sectors = uint64(word(60)) | uint64(word(61))<<16
	}

	return id
}
