package ahci

// PortState is a copy of the registers and queue state of a port.
type PortState struct {
	Index    int    `json:"index"`
	Drive    string `json:"drive"`
	CLB      uint64 `json:"clb"`
	FB       uint64 `json:"fb"`
	IS       uint32 `json:"is"`
	IE       uint32 `json:"ie"`
	CMD      uint32 `json:"cmd"`
	TFD      uint32 `json:"tfd"`
	SIG      uint32 `json:"sig"`
	SSTS     uint32 `json:"ssts"`
	SCTL     uint32 `json:"sctl"`
	SERR     uint32 `json:"serr"`
	SACT     uint32 `json:"sact"`
	CI       uint32 `json:"ci"`
	BusySlot int    `json:"busy_slot"`
	Queued   []int  `json:"queued"`
	Halted   []int  `json:"halted"`
}

// Outstanding returns the number of commands issued but not completed.
func (s PortState) Outstanding() int {
	n := len(s.Queued) + len(s.Halted)
	if s.BusySlot != noSlot {
		n++
	}

	return n
}

// State is a copy of the registers of a controller and its ports.
type State struct {
	Name   string      `json:"name"`
	Policy string      `json:"policy"`
	CAP    uint32      `json:"cap"`
	GHC    uint32      `json:"ghc"`
	IS     uint32      `json:"is"`
	PI     uint32      `json:"pi"`
	VS     uint32      `json:"vs"`
	Ports  []PortState `json:"ports"`
}

// Snapshot copies the current state of the controller.
func (c *Controller) Snapshot() *State {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &State{
		Name:   c.name,
		Policy: c.policy.String(),
		CAP:    c.global[regCAP],
		GHC:    c.global[regGHC],
		IS:     c.global[regIS],
		PI:     c.global[regPI],
		VS:     c.global[regVS],
	}

	for _, p := range c.ports {
		s.Ports = append(s.Ports, p.snapshot())
	}

	return s
}

func (p *Port) snapshot() PortState {
	s := PortState{
		Index:    p.index,
		CLB:      p.clbAddr(),
		FB:       p.fisAddr(),
		IS:       p.regs[pxIS],
		IE:       p.regs[pxIE],
		CMD:      p.regs[pxCMD],
		TFD:      p.regs[pxTFD],
		SIG:      p.regs[pxSIG],
		SSTS:     readPxSSTS(p.ctrl, p),
		SCTL:     p.regs[pxSCTL],
		SERR:     p.regs[pxSERR],
		SACT:     p.regs[pxSACT],
		CI:       p.regs[pxCI],
		BusySlot: p.busySlot,
	}

	if p.drive != nil {
		s.Drive = p.drive.Name()
	}

	for i := range p.ncq {
		switch {
		case !p.ncq[i].used:
		case p.ncq[i].halted:
			s.Halted = append(s.Halted, i)
		default:
			s.Queued = append(s.Queued, i)
		}
	}

	return s
}
