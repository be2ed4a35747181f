package vmdk

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
)

type DiskExtent struct {
	AccessType string
	Size       int64
	ExtentType string
	Filename   string
}

// DiskDescriptor is the text descriptor embedded in the extent header
// region.
type DiskDescriptor struct {
	Attr    map[string]string
	Extents []DiskExtent
	Ddb     map[string]string
	Sectors int64
	Raw     string
}

func ParseDiskDescriptor(data string) (*DiskDescriptor, error) {
	attr := make(map[string]string)
	extents := []DiskExtent{}
	ddb := make(map[string]string)
	sectors := int64(0)

	lines := strings.Split(data, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "RW ") || strings.HasPrefix(line, "RDONLY ") || strings.HasPrefix(line, "NOACCESS ") {
			parts := strings.SplitN(line, " ", 4)
			if len(parts) < 4 {
				return nil, fmt.Errorf("invalid extent line: %s", line)
			}
			size, err := strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				return nil, err
			}
			sectors += size
			extents = append(extents, DiskExtent{
				AccessType: parts[0],
				Size:       size,
				ExtentType: parts[2],
				Filename:   strings.Trim(parts[3], `"`),
			})
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) < 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		value = strings.Trim(value, `"`)
		if strings.HasPrefix(key, "ddb.") {
			ddb[key] = value
		} else {
			attr[key] = value
		}
	}

	return &DiskDescriptor{
		Attr:    attr,
		Extents: extents,
		Ddb:     ddb,
		Sectors: sectors,
		Raw:     data,
	}, nil
}

const diskDescriptorTemplate = `# Disk DescriptorFile
version=1
encoding="UTF-8"
CID=%08x
parentCID=ffffffff
createType="streamOptimized"

# Extent description
RW %d SPARSE "%s"

# The Disk Data Base
#DDB

ddb.longContentID = "%08x%08x%08x%08x"
ddb.virtualHWVersion = "4"
ddb.geometry.cylinders = "%d"
ddb.geometry.heads = "255"
ddb.geometry.sectors = "63"
ddb.adapterType = "lsilogic"
ddb.toolsInstallType = "4"
ddb.toolsVersion = "%s"`

// formatDiskDescriptor renders the embedded descriptor for a
// stream-optimized extent of the given capacity in sectors. The 255/63
// geometry suits anything bigger than 4GB; cylinders saturate at 65535.
func formatDiskDescriptor(fileName string, capacity SectorType, cid uint32, toolsVersion string) string {
	var cylinders uint64
	if uint64(capacity) > 65535*255*63 {
		cylinders = 65535
	} else {
		cylinders = ceilDiv(uint64(capacity), 255*63)
	}
	return fmt.Sprintf(diskDescriptorTemplate,
		cid, uint64(capacity), fileName,
		rand.Uint32(), rand.Uint32(), rand.Uint32(), cid,
		cylinders, toolsVersion)
}

// generateCID draws a content ID, rejecting the two values some consumers
// interpret as "no parent" or "disk full of zeroes".
func generateCID() uint32 {
	for {
		cid := rand.Uint32()
		if cid != 0xFFFFFFFF && cid != 0xFFFFFFFE {
			return cid
		}
	}
}
