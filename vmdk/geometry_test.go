package vmdk

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testHeader(capacity, grainSize SectorType, numGTEs uint32) *SparseExtentHeader {
	return &SparseExtentHeader{
		Version:      SPARSE_VERSION_INCOMPAT_FLAGS,
		Capacity:     capacity,
		GrainSize:    grainSize,
		NumGTEsPerGT: numGTEs,
	}
}

func TestGeometryInvariants(t *testing.T) {
	capacities := []SectorType{1, 100, 127, 128, 129, 255, 256, 8192, 1<<21 + 1}
	grainSizes := []SectorType{1, 16, 128}
	gtesPerGT := []uint32{128, 512, 1024}

	for _, capacity := range capacities {
		for _, grainSize := range grainSizes {
			for _, numGTEs := range gtesPerGT {
				g, err := newGTInfo(testHeader(capacity, grainSize, numGTEs))
				require.NoError(t, err)

				require.GreaterOrEqual(t, uint64(g.GTs)*uint64(numGTEs), g.GTEs)
				require.GreaterOrEqual(t, g.GTEs*uint64(grainSize), uint64(capacity))
				require.GreaterOrEqual(t, uint64(g.GDsectors)*SECTOR_SIZE, uint64(g.GTs)*4)
				require.GreaterOrEqual(t, uint64(g.GTsectors)*SECTOR_SIZE, uint64(numGTEs)*4)

				wantSlab := (int64(g.GDsectors) + int64(g.GTsectors)*int64(g.GTs)) * SECTOR_SIZE
				require.Equal(t, wantSlab, int64(len(g.slab)))
				require.Equal(t, int64(g.GDsectors)*SECTOR_SIZE, int64(len(g.gd)))
			}
		}
	}
}

func TestGeometryTail(t *testing.T) {
	g, err := newGTInfo(testHeader(100, 128, 512))
	require.NoError(t, err)
	require.Equal(t, uint64(0), g.lastGrainNr)
	require.Equal(t, uint32(100*SECTOR_SIZE), g.lastGrainSize)
	require.Equal(t, uint64(1), g.GTEs)

	g, err = newGTInfo(testHeader(256, 128, 512))
	require.NoError(t, err)
	require.Equal(t, uint64(2), g.lastGrainNr)
	require.Equal(t, uint32(0), g.lastGrainSize)
	require.Equal(t, uint64(2), g.GTEs)
}

func TestGeometryRejects(t *testing.T) {
	for _, grainSize := range []SectorType{0, 3, 100, 256} {
		_, err := newGTInfo(testHeader(1024, grainSize, 512))
		require.ErrorIs(t, err, ErrBadGeometry, "grain size %d", grainSize)
	}
	for _, numGTEs := range []uint32{0, 64, 100, 1000} {
		_, err := newGTInfo(testHeader(1024, 128, numGTEs))
		require.ErrorIs(t, err, ErrBadGeometry, "%d GTEs per GT", numGTEs)
	}
}

func TestPrefillGD(t *testing.T) {
	hdr := testHeader(1<<21, 128, 512) // 1 GiB: 16384 grains, 32 GTs
	g, err := newGTInfo(hdr)
	require.NoError(t, err)
	require.Equal(t, uint32(32), g.GTs)

	end := g.prefillGD(26)
	require.Equal(t, SectorType(26+32*4), end)
	for i := uint32(0); i < g.GTs; i++ {
		require.Equal(t, uint32(26+i*4), g.gdEntry(i))
	}
}

func TestGrainLen(t *testing.T) {
	g, err := newGTInfo(testHeader(300, 128, 512))
	require.NoError(t, err)
	require.Equal(t, uint32(128*SECTOR_SIZE), g.grainLen(0, 128*SECTOR_SIZE))
	require.Equal(t, uint32(128*SECTOR_SIZE), g.grainLen(1, 128*SECTOR_SIZE))
	require.Equal(t, uint32(44*SECTOR_SIZE), g.grainLen(2, 128*SECTOR_SIZE))
	require.Equal(t, uint32(0), g.grainLen(3, 128*SECTOR_SIZE))
}
