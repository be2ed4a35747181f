package vmdk

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zlib"
)

// Reader gives random read access to a sparse extent, transparently
// inflating compressed grains and reporting zeroes for holes.
type Reader struct {
	f      *os.File
	hdr    SparseExtentHeader
	gtInfo *gtInfo

	descriptor *DiskDescriptor

	// One inflate context, reset between grains; grainBuf holds one
	// decompressed grain, readBuf one compressed record.
	zr            io.ReadCloser
	payloadReader *bytes.Reader
	grainBuf      []byte
	readBuf       []byte
}

// coalescedPreader batches positional reads into the GD+GT slab: a read
// whose file offset and slab destination both immediately follow the
// pending one is merged with it, so loading the index costs one read per
// discontinuous grain table cluster instead of one per table.
type coalescedPreader struct {
	f    io.ReaderAt
	slab []byte
	off  int
	len  int
	pos  int64
}

func (p *coalescedPreader) pread(off, n int, pos int64) error {
	if p.len != 0 {
		if p.pos+int64(p.len) == pos && p.off+p.len == off {
			p.len += n
			return nil
		}
		if err := p.flush(); err != nil {
			return err
		}
	}
	p.off = off
	p.len = n
	p.pos = pos
	return nil
}

func (p *coalescedPreader) flush() error {
	if p.len == 0 {
		return nil
	}
	err := safePread(p.f, p.slab[p.off:p.off+p.len], p.pos)
	p.len = 0
	return err
}

// OpenSparse opens an existing sparse extent for reading, validating the
// header and loading the whole grain directory and grain table index into
// memory.
func OpenSparse(fileName string) (*Reader, error) {
	f, err := os.Open(fileName)
	if err != nil {
		return nil, err
	}

	r, err := newReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func newReader(f *os.File) (*Reader, error) {
	onDisk := make([]byte, SECTOR_SIZE)
	if err := safePread(f, onDisk, 0); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFormat, err)
	}
	hdr, err := ParseSparseExtentHeader(onDisk)
	if err != nil {
		return nil, err
	}

	gtInfo, err := newGTInfo(hdr)
	if err != nil {
		return nil, err
	}

	r := &Reader{
		f:             f,
		hdr:           *hdr,
		gtInfo:        gtInfo,
		payloadReader: bytes.NewReader(nil),
		grainBuf:      make([]byte, hdr.grainBytes()),
		readBuf:       make([]byte, hdr.grainBytes()+SECTOR_SIZE),
	}

	if err := safePread(f, gtInfo.gd, hdr.GdOffset.bytes()); err != nil {
		return nil, err
	}

	cp := coalescedPreader{f: f, slab: gtInfo.gt}
	gtBytes := int(gtInfo.GTsectors) * SECTOR_SIZE
	for i := uint32(0); i < gtInfo.GTs; i++ {
		loc := gtInfo.gdEntry(i)
		if loc == 0 {
			// Unallocated grain table: all its grains are holes.
			continue
		}
		if err := cp.pread(int(i)*gtBytes, gtBytes, SectorType(loc).bytes()); err != nil {
			return nil, err
		}
	}
	if err := cp.flush(); err != nil {
		return nil, err
	}

	if hdr.DescriptorSize > 0 {
		descriptorBuf := make([]byte, hdr.DescriptorSize.bytes())
		if err := safePread(f, descriptorBuf, hdr.DescriptorOffset.bytes()); err != nil {
			return nil, err
		}
		text := strings.TrimRight(string(descriptorBuf), "\x00")
		r.descriptor, err = ParseDiskDescriptor(text)
		if err != nil {
			return nil, err
		}
	}

	return r, nil
}

// Header returns the decoded extent header.
func (r *Reader) Header() SparseExtentHeader {
	return r.hdr
}

// Descriptor returns the embedded disk descriptor, or nil when the extent
// carries none.
func (r *Reader) Descriptor() *DiskDescriptor {
	return r.descriptor
}

func (r *Reader) Capacity() int64 {
	return r.hdr.Capacity.bytes()
}

// ReadAt reads decompressed disk data at pos. Requests past the capacity
// are clipped and return io.EOF after the available bytes.
func (r *Reader) ReadAt(p []byte, pos int64) (int, error) {
	if pos < 0 {
		return 0, fmt.Errorf("vmdk: negative read offset %d", pos)
	}
	grainBytes := r.hdr.grainBytes()
	grainNr := uint64(pos / grainBytes)
	readSkip := uint32(pos & (grainBytes - 1))
	n := 0

	for n < len(p) {
		grainLen := uint32(0)
		if grainNr <= r.gtInfo.lastGrainNr {
			grainLen = r.gtInfo.grainLen(grainNr, grainBytes)
		}
		if readSkip >= grainLen {
			break
		}
		readLen := int(grainLen - readSkip)
		if rem := len(p) - n; rem < readLen {
			readLen = rem
		}

		sect := r.gtInfo.gtEntry(grainNr)
		switch {
		case sect == 0 || sect == 1:
			// Hole or explicit zero grain.
			for i := n; i < n+readLen; i++ {
				p[i] = 0
			}
		case r.hdr.IsCompressed():
			if err := r.inflateGrain(grainNr, sect, grainLen); err != nil {
				return n, err
			}
			copy(p[n:n+readLen], r.grainBuf[readSkip:])
		default:
			// Legacy uncompressed grain: data sits raw at the recorded
			// sector.
			pos := SectorType(sect).bytes() + int64(readSkip)
			if err := safePread(r.f, p[n:n+readLen], pos); err != nil {
				return n, err
			}
		}

		n += readLen
		grainNr++
		readSkip = 0
	}

	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// inflateGrain loads the compressed record of grainNr at sector sect and
// decompresses it into grainBuf, validating the embedded LBA and the
// record bounds.
func (r *Reader) inflateGrain(grainNr uint64, sect uint32, grainLen uint32) error {
	if err := safePread(r.f, r.readBuf[:SECTOR_SIZE], SectorType(sect).bytes()); err != nil {
		return err
	}

	var cmpSize, hdrLen uint32
	if r.hdr.IsEmbeddedLBA() {
		lba := binary.LittleEndian.Uint64(r.readBuf[0:8])
		if lba != grainNr*uint64(r.hdr.GrainSize) {
			return fmt.Errorf("%w: grain %d has lba %d", ErrCorruptGrain, grainNr, lba)
		}
		cmpSize = binary.LittleEndian.Uint32(r.readBuf[8:12])
		hdrLen = grainMarkerSize
	} else {
		cmpSize = binary.LittleEndian.Uint32(r.readBuf[0:4])
		hdrLen = 4
	}
	if cmpSize > uint32(len(r.readBuf))-hdrLen {
		return fmt.Errorf("%w: grain %d compressed size %d", ErrCorruptGrain, grainNr, cmpSize)
	}
	if cmpSize+hdrLen > SECTOR_SIZE {
		remaining := roundToSectors(int(cmpSize+hdrLen) - SECTOR_SIZE)
		pos := SectorType(sect + 1).bytes()
		if err := safePread(r.f, r.readBuf[SECTOR_SIZE:SECTOR_SIZE+remaining], pos); err != nil {
			return err
		}
	}

	r.payloadReader.Reset(r.readBuf[hdrLen : hdrLen+cmpSize])
	if r.zr == nil {
		zr, err := zlib.NewReader(r.payloadReader)
		if err != nil {
			return fmt.Errorf("%w: grain %d: %v", ErrCorruptGrain, grainNr, err)
		}
		r.zr = zr
	} else if err := r.zr.(zlib.Resetter).Reset(r.payloadReader, nil); err != nil {
		return fmt.Errorf("%w: grain %d: %v", ErrCorruptGrain, grainNr, err)
	}

	if _, err := io.ReadFull(r.zr, r.grainBuf[:grainLen]); err != nil {
		return fmt.Errorf("%w: grain %d inflates short: %v", ErrCorruptGrain, grainNr, err)
	}
	return nil
}

// NextData finds the next range of non-hole data at or after pos. It
// returns ErrNoData when only holes remain.
func (r *Reader) NextData(pos int64) (start, end int64, err error) {
	grainBytes := r.hdr.grainBytes()
	grainNr := uint64(pos / grainBytes)
	skip := pos & (grainBytes - 1)
	want := false

	for grainNr < r.gtInfo.GTEs {
		empty := r.gtInfo.gtEntry(grainNr) == 0
		if empty == want {
			if want {
				end = int64(grainNr) * grainBytes
				return start, end, nil
			}
			start = int64(grainNr)*grainBytes | skip
			want = true
		}
		skip = 0
		grainNr++
	}
	if want {
		end = int64(r.gtInfo.lastGrainNr)*grainBytes + int64(r.gtInfo.lastGrainSize)
		return start, end, nil
	}
	return 0, 0, ErrNoData
}

// Close releases the index and closes the file.
func (r *Reader) Close() error {
	if r.f == nil {
		return nil
	}
	f := r.f
	r.f = nil
	r.gtInfo = nil
	return f.Close()
}
