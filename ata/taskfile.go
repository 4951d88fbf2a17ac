// Package ata models the ATA device behind an AHCI port: its task file
// registers and the legacy (non-queued) commands it executes.
package ata

// Status register bits.
const (
	StatusERR  = 0x01
	StatusDRQ  = 0x08
	StatusSEEK = 0x10
	StatusDF   = 0x20
	StatusDRDY = 0x40
	StatusBSY  = 0x80
)

// Error register bits.
const (
	ErrorABRT = 0x04
	ErrorIDNF = 0x10
	ErrorUNC  = 0x40
)

// Command opcodes.
const (
	CmdReadSectors        = 0x20
	CmdReadSectorsExt     = 0x24
	CmdReadDMAExt         = 0x25
	CmdWriteSectors       = 0x30
	CmdWriteSectorsExt    = 0x34
	CmdWriteDMAExt        = 0x35
	CmdReadFPDMAQueued    = 0x60
	CmdWriteFPDMAQueued   = 0x61
	CmdNCQNonData         = 0x63
	CmdSendFPDMAQueued    = 0x64
	CmdReceiveFPDMAQueued = 0x65
	CmdExecDiagnostic     = 0x90
	CmdPacket             = 0xA0
	CmdIdentifyPacket     = 0xA1
	CmdReadDMA            = 0xC8
	CmdWriteDMA           = 0xCA
	CmdStandbyImmediate   = 0xE0
	CmdIdleImmediate      = 0xE1
	CmdCheckPowerMode     = 0xE5
	CmdFlushCache         = 0xE7
	CmdFlushCacheExt      = 0xEA
	CmdIdentify           = 0xEC
	CmdSetFeatures        = 0xEF
)

// IsNCQ tells if the opcode is one of the queued commands.
func IsNCQ(cmd uint8) bool {
	switch cmd {
	case CmdReadFPDMAQueued, CmdWriteFPDMAQueued, CmdNCQNonData,
		CmdSendFPDMAQueued, CmdReceiveFPDMAQueued:
		return true
	}

	return false
}

var commandNames = map[uint8]string{
	CmdReadSectors:        "READ SECTORS",
	CmdReadSectorsExt:     "READ SECTORS EXT",
	CmdReadDMAExt:         "READ DMA EXT",
	CmdWriteSectors:       "WRITE SECTORS",
	CmdWriteSectorsExt:    "WRITE SECTORS EXT",
	CmdWriteDMAExt:        "WRITE DMA EXT",
	CmdReadFPDMAQueued:    "READ FPDMA QUEUED",
	CmdWriteFPDMAQueued:   "WRITE FPDMA QUEUED",
	CmdNCQNonData:         "NCQ NON DATA",
	CmdSendFPDMAQueued:    "SEND FPDMA QUEUED",
	CmdReceiveFPDMAQueued: "RECEIVE FPDMA QUEUED",
	CmdExecDiagnostic:     "EXECUTE DEVICE DIAGNOSTIC",
	CmdPacket:             "PACKET",
	CmdIdentifyPacket:     "IDENTIFY PACKET DEVICE",
	CmdReadDMA:            "READ DMA",
	CmdWriteDMA:           "WRITE DMA",
	CmdStandbyImmediate:   "STANDBY IMMEDIATE",
	CmdIdleImmediate:      "IDLE IMMEDIATE",
	CmdCheckPowerMode:     "CHECK POWER MODE",
	CmdFlushCache:         "FLUSH CACHE",
	CmdFlushCacheExt:      "FLUSH CACHE EXT",
	CmdIdentify:           "IDENTIFY DEVICE",
	CmdSetFeatures:        "SET FEATURES",
}

// CommandName returns a printable name of an opcode.
func CommandName(cmd uint8) string {
	if n, ok := commandNames[cmd]; ok {
		return n
	}

	return "UNKNOWN"
}

// TaskFile holds the shadow registers of a device. The Hob fields are the
// previous contents used by 48-bit commands.
type TaskFile struct {
	Feature    uint8
	HobFeature uint8
	Nsector    uint8
	HobNsector uint8
	Sector     uint8
	HobSector  uint8
	LCyl       uint8
	HobLCyl    uint8
	HCyl       uint8
	HobHCyl    uint8
	Select     uint8
	Command    uint8
	Status     uint8
	Error      uint8
}

// Busy tells if the device cannot accept a new command.
func (tf *TaskFile) Busy() bool {
	return tf.Status&(StatusBSY|StatusDRQ) != 0
}

// LBA28 returns the 28-bit address of the task file.
func (tf *TaskFile) LBA28() uint64 {
	return uint64(tf.Select&0x0f)<<24 |
		uint64(tf.HCyl)<<16 |
		uint64(tf.LCyl)<<8 |
		uint64(tf.Sector)
}

// LBA48 returns the 48-bit address of the task file.
func (tf *TaskFile) LBA48() uint64 {
	return uint64(tf.HobHCyl)<<40 |
		uint64(tf.HobLCyl)<<32 |
		uint64(tf.HobSector)<<24 |
		uint64(tf.HCyl)<<16 |
		uint64(tf.LCyl)<<8 |
		uint64(tf.Sector)
}

// SetLBA48 writes a 48-bit address into the task file.
func (tf *TaskFile) SetLBA48(lba uint64) {
	tf.Sector = uint8(lba)
	tf.LCyl = uint8(lba >> 8)
	tf.HCyl = uint8(lba >> 16)
	tf.HobSector = uint8(lba >> 24)
	tf.HobLCyl = uint8(lba >> 32)
	tf.HobHCyl = uint8(lba >> 40)
}

// Count28 returns the sector count of a 28-bit command. 0 means 256.
func (tf *TaskFile) Count28() uint32 {
	if tf.Nsector == 0 {
		return 256
	}

	return uint32(tf.Nsector)
}

// Count48 returns the sector count of a 48-bit command. 0 means 65536.
func (tf *TaskFile) Count48() uint32 {
	n := uint32(tf.HobNsector)<<8 | uint32(tf.Nsector)
	if n == 0 {
		return 65536
	}

	return n
}
