package vmdk

import (
	"encoding/binary"
	"fmt"
	"os"
)

// DefaultToolsVersion is the descriptor toolsVersion when none is set:
// 2^31-1, "unknown".
const DefaultToolsVersion = "2147483647"

// Writer produces a stream-optimized sparse extent. The format is
// append-only: grains are compressed and written at a monotonically
// increasing sector cursor, and a grain whose record has been written can
// never be touched again (an all-zero grain flushed as a hole can). The
// writer buffers exactly one grain at a time.
type Writer struct {
	f        *os.File
	fileName string
	hdr      SparseExtentHeader
	gtInfo   *gtInfo
	curSP    SectorType
	grain    *grainBuffer
	level    int

	toolsVersion string
}

// CreateStreamOptimized creates fileName and prepares a stream-optimized
// extent of the given capacity in bytes. Space for the header, the
// embedded descriptor, the grain directory and the grain tables is
// reserved up front; payload starts right after and the reserved regions
// are filled in by Close.
func CreateStreamOptimized(fileName string, capacity int64, compressionLevel int) (*Writer, error) {
	w := &Writer{
		fileName:     fileName,
		level:        compressionLevel,
		toolsVersion: DefaultToolsVersion,
	}
	w.hdr = SparseExtentHeader{
		Version:           SPARSE_VERSION_INCOMPAT_FLAGS,
		Flags:             SPARSEFLAG_VALID_NEWLINE_DETECTOR | SPARSEFLAG_COMPRESSED | SPARSEFLAG_EMBEDDED_LBA,
		Capacity:          sectorsRoundUp(capacity),
		GrainSize:         128,
		NumGTEsPerGT:      512,
		CompressAlgorithm: COMPRESSION_DEFLATE,
		OverHead:          1,
	}

	gtInfo, err := newGTInfo(&w.hdr)
	if err != nil {
		return nil, err
	}
	w.gtInfo = gtInfo

	w.grain, err = newGrainBuffer(int(w.hdr.grainBytes()), compressionLevel)
	if err != nil {
		return nil, err
	}

	w.hdr.DescriptorOffset = w.hdr.OverHead
	w.hdr.DescriptorSize = 20
	w.hdr.OverHead += w.hdr.DescriptorSize
	w.hdr.GdOffset = w.hdr.OverHead
	w.hdr.OverHead += SectorType(gtInfo.GDsectors)
	w.hdr.OverHead = gtInfo.prefillGD(w.hdr.OverHead)
	w.curSP = w.hdr.OverHead

	w.f, err = os.OpenFile(fileName, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// SetToolsVersion overrides the toolsVersion recorded in the descriptor.
func (w *Writer) SetToolsVersion(toolsVersion string) {
	w.toolsVersion = toolsVersion
}

func (w *Writer) Capacity() int64 {
	return w.hdr.Capacity.bytes()
}

// prepareGrain makes grainNr the current grain, flushing the previous one.
// Returning to a grain that was already flushed is a policy violation:
// stream-optimized extents cannot be updated in place.
func (w *Writer) prepareGrain(grainNr uint64) error {
	if grainNr == w.grain.nr {
		return nil
	}
	if err := w.flushGrain(); err != nil {
		return err
	}
	if grainNr >= w.gtInfo.GTEs {
		return fmt.Errorf("vmdk: grain %d beyond disk capacity (%d grains)", grainNr, w.gtInfo.GTEs)
	}
	if w.gtInfo.gtEntry(grainNr) != 0 {
		return fmt.Errorf("%w: grain %d", ErrGrainWritten, grainNr)
	}
	w.grain.reset(grainNr)
	return nil
}

// WriteAt writes into the logical disk at pos. Writes may be sparse and
// arrive in any order within the current grain, but once the write
// position moves to another grain the previous one is flushed for good.
func (w *Writer) WriteAt(p []byte, pos int64) (int, error) {
	grainBytes := w.hdr.grainBytes()
	grainNr := uint64(pos / grainBytes)
	updateStart := int(pos & (grainBytes - 1))
	written := 0

	for written < len(p) {
		if err := w.prepareGrain(grainNr); err != nil {
			return written, err
		}
		updateLen := int(grainBytes) - updateStart
		if rem := len(p) - written; rem < updateLen {
			updateLen = rem
		}
		updateEnd := updateStart + updateLen

		g := w.grain
		if g.validEnd != 0 && (updateEnd < g.validStart || updateStart > g.validEnd) {
			// The grain will be deflated as one stream; a disjoint update
			// forces the gap to become explicit zeroes.
			g.fill(int(w.gtInfo.grainLen(g.nr, grainBytes)))
		}
		copy(g.buf[updateStart:updateEnd], p[written:written+updateLen])
		if updateStart < g.validStart || g.validEnd == 0 {
			g.validStart = updateStart
		}
		if updateEnd > g.validEnd {
			g.validEnd = updateEnd
		}

		written += updateLen
		grainNr++
		updateStart = 0
	}
	return written, nil
}

// flushGrain compresses and writes the current grain. All-zero grains are
// elided: their GT entry stays 0 and no sector is consumed.
func (w *Writer) flushGrain() error {
	g := w.grain
	if g.nr == noGrain || g.validEnd == 0 {
		return nil
	}
	if g.nr >= w.gtInfo.GTEs {
		return fmt.Errorf("vmdk: grain %d beyond disk capacity (%d grains)", g.nr, w.gtInfo.GTEs)
	}
	if w.gtInfo.gtEntry(g.nr) != 0 {
		return fmt.Errorf("%w: grain %d", ErrGrainWritten, g.nr)
	}

	g.fill(int(w.gtInfo.grainLen(g.nr, w.hdr.grainBytes())))
	if isZeroed(g.buf[:g.validEnd]) {
		return nil
	}

	record, err := g.comp.compress(SectorType(g.nr)*w.hdr.GrainSize, g.buf[:g.validEnd])
	if err != nil {
		return err
	}
	if err := safePwrite(w.f, record, w.curSP.bytes()); err != nil {
		return err
	}
	w.gtInfo.setGTEntry(g.nr, uint32(w.curSP))
	w.curSP += SectorType(len(record) >> SECTOR_SIZE_SHIFT)
	return nil
}

// writeSpecial writes a one-sector special marker record at the current
// cursor.
func (w *Writer) writeSpecial(markerType uint32, val SectorType) error {
	sector := make([]byte, SECTOR_SIZE)
	binary.LittleEndian.PutUint64(sector[0:], uint64(val))
	binary.LittleEndian.PutUint32(sector[12:], markerType)
	return safePwrite(w.f, sector, w.curSP.bytes())
}

// finalize flushes the last grain, terminates the payload with an EOS
// marker, writes the GD+GT slab and the descriptor, and then writes the
// header twice: first with the scrambled magic, synced, then with the
// canonical magic, synced. A crash in between leaves a file every reader
// rejects.
func (w *Writer) finalize() error {
	if err := w.flushGrain(); err != nil {
		return err
	}
	if err := w.writeSpecial(MARKER_EOS, 0); err != nil {
		return err
	}
	if err := safePwrite(w.f, w.gtInfo.slab, w.hdr.GdOffset.bytes()); err != nil {
		return err
	}

	descriptor := formatDiskDescriptor(w.fileName, w.hdr.Capacity, generateCID(), w.toolsVersion)
	if err := safePwrite(w.f, []byte(descriptor), w.hdr.DescriptorOffset.bytes()); err != nil {
		return err
	}

	if err := safePwrite(w.f, w.hdr.encode(true), 0); err != nil {
		return err
	}
	if err := w.f.Sync(); err != nil {
		return err
	}
	if err := safePwrite(w.f, w.hdr.encode(false), 0); err != nil {
		return err
	}
	return w.f.Sync()
}

// Close finalizes the extent. On any failure the writer aborts: the file
// is left behind with the scrambled magic at best and the error is
// returned.
func (w *Writer) Close() error {
	if w.f == nil {
		return nil
	}
	if err := w.finalize(); err != nil {
		w.Abort()
		return err
	}
	f := w.f
	w.release()
	return f.Close()
}

// Abort releases the writer without finalizing. The canonical magic was
// never written, so consumers reject the partial file; unlinking it is the
// caller's business.
func (w *Writer) Abort() error {
	if w.f == nil {
		return nil
	}
	f := w.f
	w.release()
	return f.Close()
}

func (w *Writer) release() {
	w.f = nil
	w.grain = nil
	w.gtInfo = nil
}
