package ata

import (
	"github.com/sarchlab/ahcisim/disk"
)

// Builder can build Devices.
type Builder struct {
	kind     Kind
	backend  disk.Backend
	engine   disk.Engine
	serial   string
	model    string
	firmware string
}

// MakeBuilder returns a Builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		kind:     KindDisk,
		serial:   "AHCISIM0001",
		model:    "AHCISIM HARDDISK",
		firmware: "1.0",
	}
}

// WithKind sets the device kind.
func (b Builder) WithKind(kind Kind) Builder {
	b.kind = kind
	return b
}

// WithBackend sets the backing store used by PIO commands and the capacity.
func (b Builder) WithBackend(backend disk.Backend) Builder {
	b.backend = backend
	return b
}

// WithEngine sets the engine DMA and flush commands are submitted to.
func (b Builder) WithEngine(engine disk.Engine) Builder {
	b.engine = engine
	return b
}

// WithSerial sets the serial number reported by IDENTIFY.
func (b Builder) WithSerial(serial string) Builder {
	b.serial = serial
	return b
}

// WithModel sets the model string reported by IDENTIFY.
func (b Builder) WithModel(model string) Builder {
	b.model = model
	return b
}

// Build creates a Device in its post-reset state.
func (b Builder) Build(name string) *Device {
	if b.kind == KindDisk && (b.backend == nil || b.engine == nil) {
		panic("a disk needs a backend and an engine")
	}

	d := &Device{
		name:       name,
		kind:       b.kind,
		backend:    b.backend,
		engine:     b.engine,
		serial:     b.serial,
		model:      b.model,
		firmware:   b.firmware,
		writeCache: true,
		udmaMode:   1 << 13,
	}
	d.Reset()

	return d
}
