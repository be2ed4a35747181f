package vmdk

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormatDiskDescriptor(t *testing.T) {
	text := formatDiskDescriptor("disk.vmdk", 409600, 0xdeadbeef, "12389")

	desc, err := ParseDiskDescriptor(text)
	require.NoError(t, err)

	require.Equal(t, "deadbeef", desc.Attr["CID"])
	require.Equal(t, "ffffffff", desc.Attr["parentCID"])
	require.Equal(t, "streamOptimized", desc.Attr["createType"])
	require.Equal(t, "1", desc.Attr["version"])

	require.Len(t, desc.Extents, 1)
	require.Equal(t, "RW", desc.Extents[0].AccessType)
	require.Equal(t, int64(409600), desc.Extents[0].Size)
	require.Equal(t, "disk.vmdk", desc.Extents[0].Filename)

	// ceil(409600 / (255*63)) = 26 cylinders.
	require.Equal(t, "26", desc.Ddb["ddb.geometry.cylinders"])
	require.Equal(t, "255", desc.Ddb["ddb.geometry.heads"])
	require.Equal(t, "63", desc.Ddb["ddb.geometry.sectors"])
	require.Equal(t, "12389", desc.Ddb["ddb.toolsVersion"])

	longContentID := desc.Ddb["ddb.longContentID"]
	require.Len(t, longContentID, 32)
	require.True(t, strings.HasSuffix(longContentID, "deadbeef"))
}

func TestFormatDiskDescriptorCylinderSaturation(t *testing.T) {
	// Anything past 65535*255*63 sectors pins the cylinder count.
	text := formatDiskDescriptor("big.vmdk", 65535*255*63+1, 1, DefaultToolsVersion)
	desc, err := ParseDiskDescriptor(text)
	require.NoError(t, err)
	require.Equal(t, "65535", desc.Ddb["ddb.geometry.cylinders"])
}

func TestGenerateCID(t *testing.T) {
	for i := 0; i < 1000; i++ {
		cid := generateCID()
		require.NotEqual(t, uint32(0xFFFFFFFF), cid)
		require.NotEqual(t, uint32(0xFFFFFFFE), cid)
	}
}

func TestParseDiskDescriptorRejectsBadExtentLine(t *testing.T) {
	_, err := ParseDiskDescriptor("RW 1024 SPARSE")
	require.Error(t, err)

	_, err = ParseDiskDescriptor(fmt.Sprintf("RW %s SPARSE %q", "notanumber", "x.vmdk"))
	require.Error(t, err)
}
