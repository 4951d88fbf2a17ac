package ahci

import (
	"sync"

	"k8s.io/klog/v2"
)

// IRQLine is the interrupt output of a controller as wired by the bus.
type IRQLine interface {
	Raise()
	Lower()
}

// INTx is a level-triggered interrupt line.
type INTx struct {
	mu     sync.Mutex
	level  bool
	raises int
}

// Raise asserts the line.
func (l *INTx) Raise() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.level {
		l.raises++
	}

	l.level = true
}

// Lower deasserts the line.
func (l *INTx) Lower() {
	l.mu.Lock()
	l.level = false
	l.mu.Unlock()
}

// Level tells if the line is asserted.
func (l *INTx) Level() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.level
}

// Edges returns how many times the line went from low to high.
func (l *INTx) Edges() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.raises
}

// MSI is a message-signaled interrupt. Every raise sends one message and
// lowering does nothing.
type MSI struct {
	mu     sync.Mutex
	sent   int
	notify func()
}

// NewMSI creates an MSI that calls notify for every message, if not nil.
// notify runs after the controller lock is released and may access
// registers.
func NewMSI(notify func()) *MSI {
	return &MSI{notify: notify}
}

// Raise sends a message.
func (m *MSI) Raise() {
	m.mu.Lock()
	m.sent++
	notify := m.notify
	m.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// Lower is a no-op for message-signaled interrupts.
func (m *MSI) Lower() {}

// Messages returns the number of messages sent.
func (m *MSI) Messages() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.sent
}

// checkIRQ recomputes IS from the enabled pending port interrupts and queues
// the resulting level of the interrupt output.
func (c *Controller) checkIRQ() {
	var is uint32

	for i, p := range c.ports {
		if p.regs[pxIS]&p.regs[pxIE] != 0 {
			is |= 1 << uint(i)
		}
	}

	c.global[regIS] = is

	if is != 0 && c.global[regGHC]&GHCIE != 0 {
		klog.V(2).InfoS("raise interrupt", "controller", c.name,
			"is", is)
		c.irqLevels = append(c.irqLevels, true)

		return
	}

	c.irqLevels = append(c.irqLevels, false)
}

// unlock releases the controller lock and then drives the interrupt output
// with the levels queued while it was held. One goroutine delivers at a
// time, in queue order, so an IRQLine may call back into the controller.
func (c *Controller) unlock() {
	if c.delivering {
		c.mu.Unlock()
		return
	}

	c.delivering = true

	for len(c.irqLevels) > 0 {
		raise := c.irqLevels[0]
		c.irqLevels = c.irqLevels[1:]
		c.mu.Unlock()

		if raise {
			c.irq.Raise()
		} else {
			c.irq.Lower()
		}

		c.mu.Lock()
	}

	c.irqLevels = nil
	c.delivering = false
	c.mu.Unlock()
}
