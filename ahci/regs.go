package ahci

import (
	"fmt"

	"k8s.io/klog/v2"
)

type regKind int

const (
	regRO regKind = iota
	regRW
	regRW1C
	regRWOr
	regCustom
)

// A regSpec describes how one dword register behaves. For regRW the mask
// selects the writable bits. after runs once the new value is stored; for
// regCustom it is responsible for storing the value.
type regSpec struct {
	name  string
	kind  regKind
	mask  uint32
	read  func(c *Controller, p *Port) uint32
	after func(c *Controller, p *Port, val uint32)
}

var globalRegs = map[int]regSpec{
	regCAP:      {name: "CAP", kind: regRO},
	regGHC:      {name: "GHC", kind: regCustom, after: writeGHC},
	regIS:       {name: "IS", kind: regRW1C, after: recheckIRQ},
	regPI:       {name: "PI", kind: regRO},
	regVS:       {name: "VS", kind: regRO},
	regCCCCtl:   {name: "CCC_CTL", kind: regRW, mask: 0xffffff09},
	regCCCPorts: {name: "CCC_PORTS", kind: regRW, mask: 0xffffffff},
	regEMLoc:    {name: "EM_LOC", kind: regRO},
	regEMCtl:    {name: "EM_CTL", kind: regRO},
	regCAP2:     {name: "CAP2", kind: regRO},
	regBOHC:     {name: "BOHC", kind: regRW, mask: 0x1f},
}

var portRegs = map[int]regSpec{
	pxCLB:  {name: "PxCLB", kind: regRW, mask: 0xfffffc00},
	pxCLBU: {name: "PxCLBU", kind: regRW, mask: 0xffffffff},
	pxFB:   {name: "PxFB", kind: regRW, mask: 0xffffff00},
	pxFBU:  {name: "PxFBU", kind: regRW, mask: 0xffffffff},
	pxIS:   {name: "PxIS", kind: regRW1C, after: recheckIRQ},
	pxIE:   {name: "PxIE", kind: regRW, mask: portIEMask, after: recheckIRQ},
	pxCMD:  {name: "PxCMD", kind: regCustom, after: writePxCMD},
	pxTFD:  {name: "PxTFD", kind: regRO},
	pxSIG:  {name: "PxSIG", kind: regRO},
	pxSSTS: {name: "PxSSTS", kind: regRO, read: readPxSSTS},
	pxSCTL: {name: "PxSCTL", kind: regCustom, after: writePxSCTL},
	pxSERR: {name: "PxSERR", kind: regRW1C},
	pxSACT: {name: "PxSACT", kind: regRWOr},
	pxCI:   {name: "PxCI", kind: regRWOr, after: issueCommands},
	pxSNTF: {name: "PxSNTF", kind: regRW1C},
	pxFBS:  {name: "PxFBS", kind: regRW, mask: 0x00000f03},
}

// locate resolves a dword-aligned offset to the register storage, its spec
// and the port it belongs to. ok is false for unimplemented offsets.
func (c *Controller) locate(addr uint64) (
	spec regSpec, store *uint32, p *Port, ok bool,
) {
	if addr < portBase {
		idx := int(addr / 4)

		spec, ok = globalRegs[idx]
		if !ok {
			return regSpec{}, nil, nil, false
		}

		return spec, &c.global[idx], nil, true
	}

	n := int((addr - portBase) / portSize)
	if n >= len(c.ports) {
		return regSpec{}, nil, nil, false
	}

	p = c.ports[n]
	idx := int((addr - portBase) % portSize / 4)

	spec, ok = portRegs[idx]
	if !ok {
		return regSpec{}, nil, nil, false
	}

	return spec, &p.regs[idx], p, true
}

func (c *Controller) readDword(addr uint64) uint32 {
	spec, store, p, ok := c.locate(addr)
	if !ok {
		klog.V(2).InfoS("read of unimplemented register",
			"controller", c.name, "addr", fmt.Sprintf("0x%x", addr))
		return 0
	}

	if spec.read != nil {
		return spec.read(c, p)
	}

	return *store
}

// writeDword applies a write of val to the dword at addr. byteMask marks the
// bytes the guest actually wrote.
func (c *Controller) writeDword(addr uint64, val, byteMask uint32) {
	spec, store, p, ok := c.locate(addr)
	if !ok {
		klog.V(2).InfoS("write to unimplemented register ignored",
			"controller", c.name, "addr", fmt.Sprintf("0x%x", addr),
			"val", fmt.Sprintf("0x%x", val))
		return
	}

	switch spec.kind {
	case regRW1C, regRWOr:
		val &= byteMask
	default:
		val = *store&^byteMask | val&byteMask
	}

	klog.V(2).InfoS("register write", "controller", c.name,
		"reg", spec.name, "port", portIndex(p),
		"val", fmt.Sprintf("0x%08x", val))

	switch spec.kind {
	case regRO:
		return
	case regRW:
		*store = *store&^spec.mask | val&spec.mask
	case regRW1C:
		*store &^= val
	case regRWOr:
		*store |= val
	}

	if spec.after != nil {
		spec.after(c, p, val)
	}
}

func portIndex(p *Port) int {
	if p == nil {
		return -1
	}

	return p.index
}

func recheckIRQ(c *Controller, _ *Port, _ uint32) {
	c.checkIRQ()
}

func writeGHC(c *Controller, _ *Port, val uint32) {
	if val&GHCHR != 0 {
		c.reset()
		return
	}

	c.global[regGHC] = val&(GHCIE|GHCHR) | GHCAE
	c.checkIRQ()
}

func writePxCMD(_ *Controller, p *Port, val uint32) {
	p.writeCMD(val)
}

func writePxSCTL(_ *Controller, p *Port, val uint32) {
	old := p.regs[pxSCTL]
	if old&sctlDETMask == 1 && val&sctlDETMask == 0 {
		klog.InfoS("COMRESET", "port", p.index)
		p.reset()
	}

	p.regs[pxSCTL] = val
}

func readPxSSTS(_ *Controller, p *Port) uint32 {
	if p.drive == nil {
		return 0
	}

	return sstsDevicePresent
}

func issueCommands(_ *Controller, p *Port, _ uint32) {
	p.checkCmd()
}
