package vmdk

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type copyState int

const (
	copyRunning copyState = iota
	copyDone
	copyFailed
)

// copyContext is the state shared by the copy engine workers. Exactly
// three variables cross goroutines, each behind its own mutex; no I/O ever
// happens while a mutex is held, and no worker holds two at once.
type copyContext struct {
	src SourceDisk
	w   *Writer

	readPosMu sync.Mutex
	readPos   int64

	writeSPMu sync.Mutex

	stateMu sync.Mutex
	state   copyState
}

func (c *copyContext) currentState() copyState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *copyContext) setDone() {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.state == copyRunning {
		c.state = copyDone
	}
}

func (c *copyContext) fail(worker int, err error) {
	logrus.WithError(err).WithField("worker", worker).Error("grain copy worker failed")
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.state = copyFailed
}

// CopyFrom drains src into the writer with numWorkers parallel workers.
// Each worker owns a private grain buffer and deflate context; workers
// claim grain-aligned slices of the source under the read cursor, compress
// locally, then reserve output sectors under the write cursor. Output
// sector order follows reservation order, not grain order; the grain table
// records the true location of every grain. Returns the number of bytes
// copied from the source.
//
// The engine assumes a fresh writer: interleaving CopyFrom with WriteAt is
// not supported.
func (w *Writer) CopyFrom(src SourceDisk, numWorkers int) (int64, error) {
	if numWorkers < 1 {
		return 0, fmt.Errorf("vmdk: number of copy workers must be > 0: %d", numWorkers)
	}

	c := &copyContext{src: src, w: w, state: copyRunning}

	var group errgroup.Group
	for i := 0; i < numWorkers; i++ {
		worker := i
		group.Go(func() error {
			return c.run(worker)
		})
	}
	err := group.Wait()

	if state := c.currentState(); state != copyDone {
		if err == nil {
			err = fmt.Errorf("vmdk: disk copy failed")
		}
		return 0, err
	}
	return c.readPos, nil
}

func (c *copyContext) run(worker int) error {
	grainBytes := c.w.hdr.grainBytes()
	capacity := c.src.Capacity()

	grain, err := newGrainBuffer(int(grainBytes), c.w.level)
	if err != nil {
		c.fail(worker, err)
		return err
	}

	for {
		if c.currentState() == copyFailed {
			return nil
		}
		c.readPosMu.Lock()
		readPos := c.readPos
		if readPos >= capacity {
			c.readPosMu.Unlock()
			c.setDone()
			return nil
		}
		readLen := grainBytes
		if remaining := capacity - readPos; remaining < readLen {
			readLen = remaining
		}
		// Advance the shared position before reading so other workers see
		// the updated cursor while this one blocks on I/O.
		c.readPos += readLen
		c.readPosMu.Unlock()

		grainNr := uint64(readPos / grainBytes)
		grain.reset(grainNr)
		if err := safePread(c.src, grain.buf[:readLen], readPos); err != nil {
			c.fail(worker, err)
			return err
		}
		grain.validEnd = int(readLen)

		// All-zero slices become holes: no record, no sector.
		if isZeroed(grain.buf[:readLen]) {
			continue
		}

		record, err := grain.comp.compress(SectorType(grainNr)*c.w.hdr.GrainSize, grain.buf[:readLen])
		if err != nil {
			c.fail(worker, err)
			return err
		}

		c.writeSPMu.Lock()
		sp := c.w.curSP
		c.w.curSP += SectorType(len(record) >> SECTOR_SIZE_SHIFT)
		c.writeSPMu.Unlock()

		if err := safePwrite(c.w.f, record, sp.bytes()); err != nil {
			c.fail(worker, err)
			return err
		}
		// No lock: each grain number is claimed by exactly one worker.
		c.w.gtInfo.setGTEntry(grainNr, uint32(sp))
	}
}
