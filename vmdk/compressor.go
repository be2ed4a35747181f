package vmdk

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zlib"
)

// errOutOverflow is internal: the output buffer is sized to a deflate
// bound, so hitting it means the bound computation is wrong.
var errOutOverflow = errors.New("vmdk: deflate output exceeds bound")

// sliceWriter deflates into a fixed preallocated buffer; the compressed
// record is assembled without a single reallocation.
type sliceWriter struct {
	buf []byte
	n   int
}

func (w *sliceWriter) Write(p []byte) (int, error) {
	if w.n+len(p) > len(w.buf) {
		return 0, errOutOverflow
	}
	copy(w.buf[w.n:], p)
	w.n += len(p)
	return len(p), nil
}

// grainCompressor owns one deflate context and one record buffer, reused
// for every grain it compresses. The record buffer is sized once to a
// deflate bound for a full grain plus the embedded-LBA record header,
// rounded up to a sector.
type grainCompressor struct {
	zw     *zlib.Writer
	dst    sliceWriter
	record []byte
}

func newGrainCompressor(level, grainBytes int) (*grainCompressor, error) {
	c := &grainCompressor{}

	// Worst case deflate expansion: stored blocks plus the zlib wrapper.
	bound := grainBytes + grainBytes>>12 + grainBytes>>14 + 64
	c.record = make([]byte, roundToSectors(bound+grainMarkerSize))

	zw, err := zlib.NewWriterLevel(&c.dst, level)
	if err != nil {
		return nil, fmt.Errorf("vmdk: bad compression level %d: %w", level, err)
	}
	c.zw = zw
	return c, nil
}

// compress produces the complete on-disk grain record for data at the
// given lba: the 12-byte {lba, cmpSize} header, the deflate stream, and
// zero padding up to a sector boundary. The returned slice aliases the
// compressor's record buffer and is valid until the next call.
func (c *grainCompressor) compress(lba SectorType, data []byte) ([]byte, error) {
	c.dst.buf = c.record[grainMarkerSize:]
	c.dst.n = 0
	c.zw.Reset(&c.dst)
	if _, err := c.zw.Write(data); err != nil {
		return nil, fmt.Errorf("vmdk: deflate failed: %w", err)
	}
	if err := c.zw.Close(); err != nil {
		return nil, fmt.Errorf("vmdk: deflate failed: %w", err)
	}

	binary.LittleEndian.PutUint64(c.record[0:], uint64(lba))
	binary.LittleEndian.PutUint32(c.record[8:], uint32(c.dst.n))

	dataLen := grainMarkerSize + c.dst.n
	padded := roundToSectors(dataLen)
	for i := dataLen; i < padded; i++ {
		c.record[i] = 0
	}
	return c.record[:padded], nil
}

// grainBuffer is one in-flight grain of logical disk data: the buffer, the
// grain number it belongs to, the valid byte range callers have written so
// far, and the deflate context that will turn it into a record. The writer
// owns exactly one; every copy engine worker owns its own.
type grainBuffer struct {
	buf        []byte
	nr         uint64
	validStart int
	validEnd   int
	comp       *grainCompressor
}

// noGrain marks an idle grain buffer.
const noGrain = ^uint64(0)

func newGrainBuffer(grainBytes, level int) (*grainBuffer, error) {
	comp, err := newGrainCompressor(level, grainBytes)
	if err != nil {
		return nil, err
	}
	return &grainBuffer{
		buf:  make([]byte, grainBytes),
		nr:   noGrain,
		comp: comp,
	}, nil
}

// reset rebinds the buffer to a new grain with an empty valid range.
func (g *grainBuffer) reset(grainNr uint64) {
	g.nr = grainNr
	g.validStart = 0
	g.validEnd = 0
}

// fill zero-pads the valid range out to [0, expected). The in-flight grain
// becomes a single deflate stream, so it cannot have holes.
func (g *grainBuffer) fill(expected int) {
	if g.validStart == 0 && g.validEnd >= expected {
		return
	}
	if g.validStart != 0 {
		for i := 0; i < g.validStart; i++ {
			g.buf[i] = 0
		}
		g.validStart = 0
	}
	if g.validEnd < expected {
		for i := g.validEnd; i < expected; i++ {
			g.buf[i] = 0
		}
		g.validEnd = expected
	}
}
