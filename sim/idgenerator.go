package sim

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/xid"
)

// IDGenerator creates the ids of events and traced tasks.
type IDGenerator interface {
	Generate() string
}

var ids struct {
	sync.Mutex
	gen    IDGenerator
	locked bool
}

// UseSequentialIDGenerator makes ids count up from 1, so that runs with the
// same input produce the same ids. This is the default.
func UseSequentialIDGenerator() {
	setIDGenerator(&sequentialIDs{})
}

// UseParallelIDGenerator makes ids globally unique (rs/xid), so that traces
// of several runs can be stored together.
func UseParallelIDGenerator() {
	setIDGenerator(xidIDs{})
}

// setIDGenerator panics once an id has been handed out.
func setIDGenerator(g IDGenerator) {
	ids.Lock()
	defer ids.Unlock()

	if ids.locked {
		panic("cannot change id generator type after using it")
	}

	ids.gen = g
	ids.locked = true
}

// GetIDGenerator returns the generator in use, selecting the sequential one
// if none was chosen.
func GetIDGenerator() IDGenerator {
	ids.Lock()
	defer ids.Unlock()

	if ids.gen == nil {
		ids.gen = &sequentialIDs{}
	}
	ids.locked = true

	return ids.gen
}

type sequentialIDs struct {
	last atomic.Uint64
}

func (g *sequentialIDs) Generate() string {
	return strconv.FormatUint(g.last.Add(1), 10)
}

type xidIDs struct{}

func (xidIDs) Generate() string {
	return xid.New().String()
}
