package vmdk

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsZeroed(t *testing.T) {
	require.True(t, isZeroed(nil))
	require.True(t, isZeroed(make([]byte, 4096)))
	require.True(t, isZeroed(make([]byte, 100))) // tail not word aligned

	buf := make([]byte, 4096)
	buf[4095] = 1
	require.False(t, isZeroed(buf))

	buf = make([]byte, 101)
	buf[100] = 1
	require.False(t, isZeroed(buf))
}

func TestSectorRounding(t *testing.T) {
	require.Equal(t, SectorType(0), sectorsRoundUp(0))
	require.Equal(t, SectorType(1), sectorsRoundUp(1))
	require.Equal(t, SectorType(1), sectorsRoundUp(512))
	require.Equal(t, SectorType(2), sectorsRoundUp(513))

	require.Equal(t, 0, roundToSectors(0))
	require.Equal(t, 512, roundToSectors(1))
	require.Equal(t, 512, roundToSectors(512))
	require.Equal(t, 1024, roundToSectors(513))
}

func TestSafePreadShortRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short")
	require.NoError(t, os.WriteFile(path, make([]byte, 100), 0666))
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	buf := make([]byte, 200)
	err = safePread(f, buf, 0)
	require.ErrorIs(t, err, ErrShortRead)

	require.NoError(t, safePread(f, buf[:100], 0))
}
