// Package disk provides the backing store behind an emulated SATA drive and
// the asynchronous engines that move data between it and guest memory.
package disk

import (
	"errors"
	"fmt"
)

// SectorSize is the logical sector size of every drive.
const SectorSize = 512

// ErrCanceled is reported for a request that was canceled before it ran.
var ErrCanceled = errors.New("request canceled")

// ErrShortSGList is reported when a scatter-gather list cannot hold the
// requested transfer.
var ErrShortSGList = errors.New("scatter-gather list shorter than transfer")

// Op is the kind of operation a Request performs.
type Op int

// Operations understood by the engines.
const (
	OpRead Op = iota
	OpWrite
	OpFlush
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpFlush:
		return "flush"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// A Segment is one contiguous piece of guest physical memory.
type Segment struct {
	Addr uint64
	Len  uint64
}

// SGList is an ordered scatter-gather list.
type SGList []Segment

// Size returns the total number of bytes the list covers.
func (l SGList) Size() uint64 {
	var size uint64
	for _, s := range l {
		size += s.Len
	}

	return size
}

// A Request asks an engine to transfer Sectors sectors starting at LBA.
type Request struct {
	ID      string
	Op      Op
	LBA     uint64
	Sectors uint32
	SG      SGList
}

// Bytes returns the number of bytes the request transfers.
func (r *Request) Bytes() uint64 {
	return uint64(r.Sectors) * SectorSize
}

// Handle identifies a submitted request. The zero Handle is never returned by
// Submit.
type Handle uint64

// NoHandle is the handle of nothing.
const NoHandle Handle = 0

// Completion reports the outcome of a request.
type Completion struct {
	Handle Handle
	Req    *Request
	Err    error
}

// Engine executes requests asynchronously. The done callback is invoked at
// most once per request, never from inside Submit, and never after Cancel
// returned for that handle.
type Engine interface {
	Submit(req *Request, done func(Completion)) Handle
	Cancel(h Handle)
}

// ResumeNotifier is implemented by engines whose backend can recover from an
// outage. Registered callbacks run after every recovery.
type ResumeNotifier interface {
	OnResume(fn func())
}
