package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"

	"k8s.io/klog/v2"

	"github.com/sarchlab/ahcisim/ahci"
	"github.com/sarchlab/ahcisim/disk"
	"github.com/sarchlab/ahcisim/guest"
	"github.com/sarchlab/ahcisim/monitoring"
)

var errMismatch = errors.New("data mismatch")

// A faultInjector makes the backing store of a disk fail and recover.
type faultInjector interface {
	Fail()
	Heal()
}

// workloadConfig describes the operations issued to every disk.
type workloadConfig struct {
	ops     int
	sectors int
	failAt  int
	seed    int64
	policy  ahci.ErrorPolicy
}

// workloadResult counts what happened on one port.
type workloadResult struct {
	Port     int
	Ops      int
	Bytes    uint64
	Injected int
	Errors   int
	Halts    int
	Lost     int
}

// workload writes random extents to one port, reads them back and compares.
type workload struct {
	cfg   workloadConfig
	port  *guest.Port
	fault faultInjector
	rng   *rand.Rand
	bar   *monitoring.ProgressBar
	res   workloadResult
}

func newWorkload(
	cfg workloadConfig,
	port *guest.Port,
	fault faultInjector,
) *workload {
	return &workload{
		cfg:   cfg,
		port:  port,
		fault: fault,
		rng:   rand.New(rand.NewSource(cfg.seed + int64(port.Index()))),
		res:   workloadResult{Port: port.Index()},
	}
}

func (w *workload) run() (workloadResult, error) {
	for i := 0; i < w.cfg.ops; i++ {
		if w.bar != nil {
			w.bar.Begin(1)
		}

		if err := w.step(i); err != nil {
			if w.bar != nil {
				w.bar.Abort(1)
			}

			return w.res, fmt.Errorf("port %d op %d: %w", w.port.Index(), i, err)
		}

		if w.bar != nil {
			w.bar.Complete(1)
		}
	}

	if err := w.port.Flush(); err != nil {
		return w.res, fmt.Errorf("port %d flush: %w", w.port.Index(), err)
	}

	return w.res, nil
}

func (w *workload) extent() (lba uint64, sectors int) {
	total := w.port.Identity().Sectors
	sectors = 1 + w.rng.Intn(w.cfg.sectors)
	if uint64(sectors) > total {
		sectors = int(total)
	}

	lba = uint64(w.rng.Int63n(int64(total-uint64(sectors)) + 1))

	return lba, sectors
}

func (w *workload) step(i int) error {
	lba, sectors := w.extent()
	data := make([]byte, sectors*disk.SectorSize)
	w.rng.Read(data)

	inject := i == w.cfg.failAt
	if inject {
		w.res.Injected++
		w.fault.Fail()
	}

	err := w.port.Write(lba, data)
	if inject {
		err = w.recover(err, lba, data)
	}

	if err != nil {
		return err
	}

	w.res.Ops++
	w.res.Bytes += uint64(len(data))

	if inject && w.cfg.policy == ahci.ErrorIgnore {
		w.res.Lost++
		return nil
	}

	got, err := w.port.Read(lba, sectors)
	if err != nil {
		return err
	}

	if !bytes.Equal(got, data) {
		return fmt.Errorf("%w at lba %d", errMismatch, lba)
	}

	w.res.Bytes += uint64(len(got))

	return nil
}

// recover heals the backing store and finishes the write that ran into the
// injected fault.
func (w *workload) recover(err error, lba uint64, data []byte) error {
	w.fault.Heal()

	var devErr *guest.DeviceError

	switch {
	case err == nil:
		return nil
	case errors.Is(err, guest.ErrHalted):
		w.res.Halts++
		klog.InfoS("waiting for halted commands",
			"port", w.port.Index(), "lba", lba)

		return w.port.Wait()
	case errors.As(err, &devErr):
		w.res.Errors++
		klog.InfoS("retrying failed write",
			"port", w.port.Index(), "lba", lba, "err", devErr)

		return w.port.Write(lba, data)
	default:
		return err
	}
}
