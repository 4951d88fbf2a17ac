package cmd

import (
	"errors"
	"fmt"
	"io/fs"

	"k8s.io/klog/v2"

	"github.com/sarchlab/ahcisim/ahci"
	"github.com/sarchlab/ahcisim/ata"
	"github.com/sarchlab/ahcisim/datarecording"
	"github.com/sarchlab/ahcisim/disk"
	"github.com/sarchlab/ahcisim/guest"
	"github.com/sarchlab/ahcisim/mem"
	"github.com/sarchlab/ahcisim/sim"
	"github.com/sarchlab/ahcisim/tracing"
)

const (
	memoryBase = 0x100000
	mebibyte   = 1 << 20
)

// systemConfig describes the simulated machine.
type systemConfig struct {
	image     string
	sizeMiB   uint64
	ports     int
	latency   int
	perSector int
	policy    ahci.ErrorPolicy
	workers   int
	cdrom     bool
	trace     string
}

// A system is a controller, its disks and the guest driving them.
type system struct {
	engine  *sim.SerialEngine
	memory  *mem.PhysicalMemory
	ctrl    *ahci.Controller
	driver  *guest.Driver
	latency *tracing.LatencyTracer
	steps   *tracing.StepCountTracer

	faults   map[int]*disk.FaultyBackend
	workers  []*disk.WorkerEngine
	files    []*disk.FileBackend
	recorder datarecording.DataRecorder
	dbTracer *tracing.DBTracer
}

func (c systemConfig) numPorts() int {
	if c.cdrom {
		return c.ports + 1
	}

	return c.ports
}

func (c systemConfig) validate() error {
	switch {
	case c.ports < 1:
		return fmt.Errorf("need at least one disk, got %d", c.ports)
	case c.numPorts() > 32:
		return fmt.Errorf("at most 32 ports, got %d", c.numPorts())
	case c.sizeMiB == 0:
		return errors.New("disk size must not be zero")
	case c.workers < 0:
		return fmt.Errorf("negative worker count %d", c.workers)
	}

	return nil
}

// buildSystem creates the machine and initializes the guest driver.
func buildSystem(cfg systemConfig) (*system, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s := &system{
		engine: sim.NewSerialEngine(),
		memory: mem.NewPhysicalMemory(),
		faults: make(map[int]*disk.FaultyBackend),
	}
	s.memory.AddRAM(memoryBase, guest.MemoryNeeded(cfg.numPorts()))

	s.ctrl = ahci.MakeBuilder().
		WithNumPorts(cfg.numPorts()).
		WithMemory(s.memory).
		WithErrorPolicy(cfg.policy).
		Build("hba")

	s.latency = tracing.NewLatencyTracer(s.engine, nil)
	tracing.CollectTrace(s.ctrl, s.latency)
	s.steps = tracing.NewStepCountTracer(tracing.KindFilter("ncq"))
	tracing.CollectTrace(s.ctrl, s.steps)

	if cfg.trace != "" {
		s.recorder = datarecording.New(cfg.trace)
		s.dbTracer = tracing.NewDBTracer(s.engine, s.recorder)
		tracing.CollectTrace(s.ctrl, s.dbTracer)
	}

	for i := 0; i < cfg.ports; i++ {
		if err := s.attachDisk(cfg, i); err != nil {
			s.Close()
			return nil, err
		}
	}

	if cfg.cdrom {
		s.ctrl.AttachDrive(cfg.ports, ata.MakeBuilder().
			WithKind(ata.KindCDROM).
			Build("cd0"))
	}

	s.driver = guest.MakeBuilder().
		WithMMIO(s.ctrl).
		WithMemory(s.memory).
		WithRunner(s).
		WithBase(memoryBase).
		Build("guest")

	if err := s.driver.Init(); err != nil {
		s.Close()
		return nil, fmt.Errorf("initializing guest: %w", err)
	}

	return s, nil
}

func (s *system) attachDisk(cfg systemConfig, i int) error {
	name := fmt.Sprintf("disk%d", i)

	backend, err := s.openBackend(cfg, i)
	if err != nil {
		return err
	}

	faulty := disk.NewFaultyBackend(backend)
	s.faults[i] = faulty

	var engine disk.Engine
	if cfg.workers == 0 {
		engine = disk.MakeTimedEngineBuilder().
			WithEngine(s.engine).
			WithMemory(s.memory).
			WithBackend(faulty).
			WithLatency(cfg.latency).
			WithPerSectorLatency(cfg.perSector).
			Build(name)
	} else {
		w := disk.MakeWorkerEngineBuilder().
			WithNumWorkers(cfg.workers).
			WithMemory(s.memory).
			WithBackend(faulty).
			Build(name)
		s.workers = append(s.workers, w)
		engine = w
	}

	s.ctrl.AttachDrive(i, ata.MakeBuilder().
		WithBackend(faulty).
		WithEngine(engine).
		WithSerial(fmt.Sprintf("AHCISIM%04d", i+1)).
		Build(fmt.Sprintf("drive%d", i)))

	return nil
}

// openBackend returns the image file for the first disk when one is
// configured and RAM for all the others.
func (s *system) openBackend(cfg systemConfig, i int) (disk.Backend, error) {
	size := cfg.sizeMiB * mebibyte
	if i != 0 || cfg.image == "" {
		return disk.NewMemBackend(size), nil
	}

	f, err := disk.OpenFileBackend(cfg.image, false)
	if errors.Is(err, fs.ErrNotExist) {
		klog.InfoS("creating image", "path", cfg.image, "bytes", size)
		f, err = disk.CreateFileBackend(cfg.image, size)
	}

	if err != nil {
		return nil, fmt.Errorf("opening image: %w", err)
	}

	s.files = append(s.files, f)

	return f, nil
}

// Run delivers every pending completion, both the scheduled ones and those
// of the worker pools.
func (s *system) Run() error {
	if err := s.engine.Run(); err != nil {
		return err
	}

	for _, w := range s.workers {
		w.Drain()
	}

	return nil
}

// Fault returns the fault injector of the disk on port n.
func (s *system) Fault(n int) *disk.FaultyBackend {
	return s.faults[n]
}

// Close stops the workers, flushes the trace and closes the image files.
// It can be called more than once.
func (s *system) Close() {
	for _, w := range s.workers {
		w.Close()
	}
	s.workers = nil

	if s.dbTracer != nil {
		s.dbTracer.Terminate()
		if err := s.recorder.Close(); err != nil {
			klog.ErrorS(err, "closing trace")
		}
		s.dbTracer = nil
	}

	for _, f := range s.files {
		if err := f.Close(); err != nil {
			klog.ErrorS(err, "closing image")
		}
	}
	s.files = nil
}
