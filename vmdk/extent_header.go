package vmdk

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// SparseExtentHeader is the fixed 512-byte extent header at sector 0 of a
// sparse VMDK. All fields are little endian; some 64-bit fields sit at
// unaligned offsets, which encoding/binary packs correctly.
type SparseExtentHeader struct {
	MagicNumber        uint32
	Version            uint32
	Flags              uint32
	Capacity           SectorType
	GrainSize          SectorType
	DescriptorOffset   SectorType
	DescriptorSize     SectorType
	NumGTEsPerGT       uint32
	RgdOffset          SectorType
	GdOffset           SectorType
	OverHead           SectorType
	UncleanShutdown    uint8
	SingleEndLineChar  byte
	NonEndLineChar     byte
	DoubleEndLineChar1 byte
	DoubleEndLineChar2 byte
	CompressAlgorithm  uint16
	Pad                [433]byte
}

func (h *SparseExtentHeader) IsCompressed() bool {
	return h.Flags&SPARSEFLAG_COMPRESSED != 0
}

func (h *SparseExtentHeader) IsEmbeddedLBA() bool {
	return h.Flags&SPARSEFLAG_EMBEDDED_LBA != 0
}

func (h *SparseExtentHeader) grainBytes() int64 {
	return h.GrainSize.bytes()
}

// ParseSparseExtentHeader decodes and validates the header sector of a
// stream-optimized sparse extent.
func ParseSparseExtentHeader(sector []byte) (*SparseExtentHeader, error) {
	var hdr SparseExtentHeader

	err := binary.Read(bytes.NewReader(sector), binary.LittleEndian, &hdr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFormat, err)
	}

	if hdr.MagicNumber != VMDK_MAGIC {
		return nil, fmt.Errorf("%w: bad magic %#08x", ErrBadFormat, hdr.MagicNumber)
	}
	if hdr.Version > SPARSE_VERSION_INCOMPAT_FLAGS {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadFormat, hdr.Version)
	}
	if hdr.Flags&(SPARSEFLAG_INCOMPAT_FLAGS&^SPARSEFLAG_COMPRESSED&^SPARSEFLAG_EMBEDDED_LBA) != 0 {
		return nil, fmt.Errorf("%w: unknown incompat flags %#08x", ErrBadFormat, hdr.Flags)
	}
	if hdr.Flags&SPARSEFLAG_VALID_NEWLINE_DETECTOR != 0 {
		if hdr.SingleEndLineChar != SPARSE_SINGLE_END_LINE_CHAR ||
			hdr.NonEndLineChar != SPARSE_NON_END_LINE_CHAR ||
			hdr.DoubleEndLineChar1 != SPARSE_DOUBLE_END_LINE_CHAR1 ||
			hdr.DoubleEndLineChar2 != SPARSE_DOUBLE_END_LINE_CHAR2 {
			return nil, fmt.Errorf("%w: newline detector corrupted", ErrBadFormat)
		}
	}
	// Embedded LBA is allowed with the compressed flag only.
	if hdr.IsEmbeddedLBA() && !hdr.IsCompressed() {
		return nil, fmt.Errorf("%w: embedded LBA without compression", ErrBadFormat)
	}
	if hdr.IsCompressed() && hdr.CompressAlgorithm != COMPRESSION_DEFLATE {
		return nil, fmt.Errorf("%w: unsupported compression algorithm %d",
			ErrBadFormat, hdr.CompressAlgorithm)
	}

	return &hdr, nil
}

// encode packs the header into one sector. With temporary set the magic is
// scrambled so a crash between the two finalize writes leaves a file no
// reader accepts.
func (h *SparseExtentHeader) encode(temporary bool) []byte {
	onDisk := *h
	if temporary {
		onDisk.MagicNumber = VMDK_MAGIC_SCRAMBLED
	} else {
		onDisk.MagicNumber = VMDK_MAGIC
	}
	onDisk.SingleEndLineChar = SPARSE_SINGLE_END_LINE_CHAR
	onDisk.NonEndLineChar = SPARSE_NON_END_LINE_CHAR
	onDisk.DoubleEndLineChar1 = SPARSE_DOUBLE_END_LINE_CHAR1
	onDisk.DoubleEndLineChar2 = SPARSE_DOUBLE_END_LINE_CHAR2

	buf := bytes.NewBuffer(make([]byte, 0, SECTOR_SIZE))
	// Writing a fixed-size struct into a sized buffer cannot fail.
	_ = binary.Write(buf, binary.LittleEndian, &onDisk)
	return buf.Bytes()
}
