package ahci

// Global register indices, in dwords from the controller base.
const (
	regCAP = iota
	regGHC
	regIS
	regPI
	regVS
	regCCCCtl
	regCCCPorts
	regEMLoc
	regEMCtl
	regCAP2
	regBOHC
	numGlobalRegs
)

// Port register indices, in dwords from the start of a port block.
const (
	pxCLB  = 0
	pxCLBU = 1
	pxFB   = 2
	pxFBU  = 3
	pxIS   = 4
	pxIE   = 5
	pxCMD  = 6
	pxTFD  = 8
	pxSIG  = 9
	pxSSTS = 10
	pxSCTL = 11
	pxSERR = 12
	pxSACT = 13
	pxCI   = 14
	pxSNTF = 15
	pxFBS  = 16

	numPortRegs = 32
)

const (
	portBase     = 0x100
	portSize     = 0x80
	maxPorts     = 32
	maxCmds      = 32
	cmdListSize  = 0x400
	rxFISSize    = 0x100
	cmdTableSize = 0x80
	cmdHdrSize   = 0x20
	prdtOffset   = 0x80
	prdEntrySize = 0x10
	acmdOffset   = 0x40
	acmdSize     = 0x10
)

// CAP bits.
const (
	capSAM  = 1 << 18
	capSNCQ = 1 << 30
	capS64A = 1 << 31
	capNCS  = (maxCmds - 1) << 8
	capISS1 = 1 << 20
)

// GHC bits.
const (
	GHCHR = 1 << 0
	GHCIE = 1 << 1
	GHCAE = 1 << 31
)

const versionAHCI13 = 0x00010300

// PxCMD bits.
const (
	CmdST    = 1 << 0
	CmdSUD   = 1 << 1
	CmdPOD   = 1 << 2
	CmdFRE   = 1 << 4
	CmdFR    = 1 << 14
	CmdCR    = 1 << 15
	CmdATAPI = 1 << 24

	cmdROMask  = 0x007dffe0
	cmdICCMask = 0xf << 28
)

// PxIS bits.
const (
	PortIRQDHRS = 1 << 0
	PortIRQPSS  = 1 << 1
	PortIRQDSS  = 1 << 2
	PortIRQSDBS = 1 << 3
	PortIRQUFS  = 1 << 4
	PortIRQDPS  = 1 << 5
	PortIRQPCS  = 1 << 6
	PortIRQDMPS = 1 << 7
	PortIRQPRCS = 1 << 22
	PortIRQIPMS = 1 << 23
	PortIRQOFS  = 1 << 24
	PortIRQINFS = 1 << 26
	PortIRQIFS  = 1 << 27
	PortIRQHBDS = 1 << 28
	PortIRQHBFS = 1 << 29
	PortIRQTFES = 1 << 30
	PortIRQCPDS = 1 << 31

	portIEMask = 0xfdc000ff
)

// Received FIS area offsets.
const (
	rxDSFIS  = 0x00
	rxPSFIS  = 0x20
	rxRFIS   = 0x40
	rxSDBFIS = 0x58
	rxUFIS   = 0x60
)

// FIS types.
const (
	FISTypeRegH2D   = 0x27
	FISTypeRegD2H   = 0x34
	FISTypeDMASetup = 0x41
	FISTypePIOSetup = 0x5f
	FISTypeSDB      = 0xa1
)

const (
	fisFlagC   = 0x80
	fisPMPMask = 0x0f
	fisRsvMask = 0x70
	ataSRST    = 0x04
)

// PxSSTS value of a port with a device attached: device present with phy
// communication, generation 1 speed, interface active.
const sstsDevicePresent = 0x113

const (
	sctlDETMask = 0xf
	serrErrE    = 1 << 11
)

const (
	sigDisk  = 0x00000101
	sigCDROM = 0xeb140101
	sigNone  = 0xffffffff
)

const noSlot = -1
