package vmdk

import (
	"encoding/binary"
	"fmt"
)

// gtInfo holds the derived grain directory/grain table geometry of a
// sparse extent together with the in-memory index itself. The GD and all
// GTs live in one contiguous little-endian slab so that a single
// positional write (or read) covers the whole index, with the GT region
// immediately following the GD region exactly as on disk.
type gtInfo struct {
	GTEs          uint64
	GTs           uint32
	GDsectors     uint32
	GTsectors     uint32
	lastGrainNr   uint64
	lastGrainSize uint32 // bytes; 0 when capacity ends on a grain boundary

	slab []byte
	gd   []byte
	gt   []byte
}

func newGTInfo(hdr *SparseExtentHeader) (*gtInfo, error) {
	if hdr.GrainSize < 1 || hdr.GrainSize > 128 || !isPow2(uint64(hdr.GrainSize)) {
		return nil, fmt.Errorf("%w: grain size %d", ErrBadGeometry, hdr.GrainSize)
	}
	// A grain table must occupy at least one full sector of entries.
	if hdr.NumGTEsPerGT < SECTOR_SIZE/4 || !isPow2(uint64(hdr.NumGTEsPerGT)) {
		return nil, fmt.Errorf("%w: %d GTEs per GT", ErrBadGeometry, hdr.NumGTEsPerGT)
	}

	g := &gtInfo{
		lastGrainNr:   uint64(hdr.Capacity / hdr.GrainSize),
		lastGrainSize: uint32(hdr.Capacity&(hdr.GrainSize-1)) * SECTOR_SIZE,
	}
	g.GTEs = g.lastGrainNr
	if g.lastGrainSize != 0 {
		g.GTEs++
	}
	g.GTs = uint32(ceilDiv(g.GTEs, uint64(hdr.NumGTEsPerGT)))
	g.GDsectors = uint32(ceilDiv(uint64(g.GTs)*4, SECTOR_SIZE))
	g.GTsectors = uint32(ceilDiv(uint64(hdr.NumGTEsPerGT)*4, SECTOR_SIZE))

	g.slab = make([]byte, (int64(g.GDsectors)+int64(g.GTsectors)*int64(g.GTs))*SECTOR_SIZE)
	g.gd = g.slab[:int64(g.GDsectors)*SECTOR_SIZE]
	g.gt = g.slab[int64(g.GDsectors)*SECTOR_SIZE:]
	return g, nil
}

// prefillGD points GD entry i at the i-th reserved grain table sector
// range starting at gtBase and returns the first sector past the
// reservation, i.e. the first sector available for payload.
func (g *gtInfo) prefillGD(gtBase SectorType) SectorType {
	for i := uint32(0); i < g.GTs; i++ {
		g.setGDEntry(i, uint32(gtBase))
		gtBase += SectorType(g.GTsectors)
	}
	return gtBase
}

func (g *gtInfo) gdEntry(i uint32) uint32 {
	return binary.LittleEndian.Uint32(g.gd[i*4:])
}

func (g *gtInfo) setGDEntry(i uint32, sector uint32) {
	binary.LittleEndian.PutUint32(g.gd[i*4:], sector)
}

func (g *gtInfo) gtEntry(grainNr uint64) uint32 {
	return binary.LittleEndian.Uint32(g.gt[grainNr*4:])
}

func (g *gtInfo) setGTEntry(grainNr uint64, sector uint32) {
	binary.LittleEndian.PutUint32(g.gt[grainNr*4:], sector)
}

// grainLen is the number of meaningful bytes in a grain: full for
// non-tail grains, lastGrainSize for the tail grain, zero past the tail.
func (g *gtInfo) grainLen(grainNr uint64, grainBytes int64) uint32 {
	switch {
	case grainNr < g.lastGrainNr:
		return uint32(grainBytes)
	case grainNr == g.lastGrainNr:
		return g.lastGrainSize
	default:
		return 0
	}
}
