package vmdk

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func flatSource(t *testing.T, dir string, data []byte) *FlatDisk {
	t.Helper()
	path := filepath.Join(dir, "source.img")
	require.NoError(t, os.WriteFile(path, data, 0666))
	src, err := OpenFlat(path)
	require.NoError(t, err)
	return src
}

func sourceData(n int) []byte {
	data := patternBytes(1234, n)
	// Zero out a few grain-sized stretches so the engine produces holes.
	for i := 0; i < 65536; i++ {
		data[i] = 0
	}
	for i := 20 * 65536; i < 23*65536 && i < len(data); i++ {
		data[i] = 0
	}
	return data
}

func TestParallelCopy(t *testing.T) {
	dir := t.TempDir()
	capacity := 4 << 20
	data := sourceData(capacity)
	src := flatSource(t, dir, data)
	defer src.Close()

	dst := filepath.Join(dir, "parallel.vmdk")
	w, err := CreateStreamOptimized(dst, int64(capacity), 6)
	require.NoError(t, err)

	copied, err := Copy(src, w, 8)
	require.NoError(t, err)
	require.Equal(t, int64(capacity), copied)

	r, err := OpenSparse(dst)
	require.NoError(t, err)
	defer r.Close()

	require.Equal(t, data, readBack(t, r, int64(capacity)))

	// Every allocated grain landed on its own sector past the overhead.
	seen := make(map[uint32]bool)
	for nr := uint64(0); nr < r.gtInfo.GTEs; nr++ {
		sect := r.gtInfo.gtEntry(nr)
		if sect == 0 {
			continue
		}
		require.GreaterOrEqual(t, sect, uint32(r.hdr.OverHead))
		require.False(t, seen[sect], "sector %d assigned twice", sect)
		seen[sect] = true
	}
	require.NotEmpty(t, seen)
}

func TestParallelEquivalence(t *testing.T) {
	dir := t.TempDir()
	capacity := 2 << 20
	data := sourceData(capacity)

	outputs := make([][]byte, 0, 2)
	for _, workers := range []int{1, 4} {
		src := flatSource(t, dir, data)
		dst := filepath.Join(dir, "copy.vmdk")
		w, err := CreateStreamOptimized(dst, int64(capacity), 6)
		require.NoError(t, err)

		_, err = Copy(src, w, workers)
		require.NoError(t, err)
		require.NoError(t, src.Close())

		r, err := OpenSparse(dst)
		require.NoError(t, err)
		outputs = append(outputs, readBack(t, r, int64(capacity)))
		require.NoError(t, r.Close())
	}
	require.Equal(t, outputs[0], outputs[1])
}

func TestCopyWorkerCountValidation(t *testing.T) {
	dir := t.TempDir()
	data := sourceData(1 << 20)
	src := flatSource(t, dir, data)
	defer src.Close()

	w, err := CreateStreamOptimized(filepath.Join(dir, "bad.vmdk"), int64(len(data)), 6)
	require.NoError(t, err)
	defer w.Abort()

	_, err = w.CopyFrom(src, 0)
	require.Error(t, err)
}

func TestGenericCopyFallback(t *testing.T) {
	dir := t.TempDir()
	capacity := 1 << 20
	data := sourceData(capacity)
	src := flatSource(t, dir, data)

	// raw -> vmdk with the native engine, then vmdk -> raw through the
	// NextData fallback.
	vmdkPath := filepath.Join(dir, "fallback.vmdk")
	w, err := CreateStreamOptimized(vmdkPath, int64(capacity), 6)
	require.NoError(t, err)
	_, err = Copy(src, w, 2)
	require.NoError(t, err)
	require.NoError(t, src.Close())

	r, err := OpenSparse(vmdkPath)
	require.NoError(t, err)
	defer r.Close()

	rawPath := filepath.Join(dir, "restored.img")
	flat, err := CreateFlat(rawPath, r.Capacity())
	require.NoError(t, err)

	copied, err := Copy(r, flat, 1)
	require.NoError(t, err)
	require.Greater(t, copied, int64(0))

	restored, err := os.ReadFile(rawPath)
	require.NoError(t, err)
	require.Equal(t, data, restored)
}

func TestOpenDiskSniffing(t *testing.T) {
	dir := t.TempDir()
	capacity := 256 * SECTOR_SIZE
	data := patternBytes(9, capacity)

	vmdkPath := filepath.Join(dir, "sniff.vmdk")
	writeDisk(t, vmdkPath, int64(capacity), data)

	disk, err := OpenDisk(vmdkPath)
	require.NoError(t, err)
	_, ok := disk.(*Reader)
	require.True(t, ok)
	require.NoError(t, disk.Close())

	rawPath := filepath.Join(dir, "sniff.img")
	require.NoError(t, os.WriteFile(rawPath, data, 0666))
	disk, err = OpenDisk(rawPath)
	require.NoError(t, err)
	_, ok = disk.(*FlatDisk)
	require.True(t, ok)
	require.NoError(t, disk.Close())
}
