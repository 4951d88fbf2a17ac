package ahci

// Byte offsets of the global registers.
const (
	RegCAP      = 0x00
	RegGHC      = 0x04
	RegIS       = 0x08
	RegPI       = 0x0c
	RegVS       = 0x10
	RegCCCCtl   = 0x14
	RegCCCPorts = 0x18
	RegEMLoc    = 0x1c
	RegEMCtl    = 0x20
	RegCAP2     = 0x24
	RegBOHC     = 0x28
)

// Byte offsets of the port registers, relative to PortBase.
const (
	PortCLB  = 0x00
	PortCLBU = 0x04
	PortFB   = 0x08
	PortFBU  = 0x0c
	PortIS   = 0x10
	PortIE   = 0x14
	PortCMD  = 0x18
	PortTFD  = 0x20
	PortSIG  = 0x24
	PortSSTS = 0x28
	PortSCTL = 0x2c
	PortSERR = 0x30
	PortSACT = 0x34
	PortCI   = 0x38
	PortSNTF = 0x3c
	PortFBS  = 0x40
)

// PortBase returns the offset of the register block of port n.
func PortBase(n int) uint64 {
	return portBase + uint64(n)*portSize
}

// Received FIS area layout, as seen by the guest.
const (
	RxFISSize   = rxFISSize
	RxFISDMA    = rxDSFIS
	RxFISPIO    = rxPSFIS
	RxFISD2H    = rxRFIS
	RxFISSDB    = rxSDBFIS
	RxFISOther  = rxUFIS
	CmdListSize = cmdListSize
)

// MMIOSize is the size of the register window of a controller with
// maxPorts ports.
const MMIOSize = portBase + maxPorts*portSize
