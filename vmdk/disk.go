package vmdk

import (
	"errors"
	"io"
)

// Disk is the capability every disk implementation shares. The remaining
// capabilities are split by direction: not every disk supports every
// operation, and the interfaces advertise which are defined.
type Disk interface {
	Capacity() int64
	Close() error
}

// SourceDisk is a readable disk: random positional reads plus the
// hole-skipping NextData iterator. The sparse Reader and FlatDisk
// implement it.
type SourceDisk interface {
	Disk
	io.ReaderAt
	NextData(pos int64) (start, end int64, err error)
}

// TargetDisk is a writable disk: positional writes, finalization via
// Close, and Abort to discard. The stream-optimized Writer and FlatDisk
// implement it.
type TargetDisk interface {
	Disk
	io.WriterAt
	Abort() error
}

// diskCopier is the optional native bulk-copy capability of a target.
type diskCopier interface {
	CopyFrom(src SourceDisk, numWorkers int) (int64, error)
}

var (
	_ SourceDisk = (*Reader)(nil)
	_ SourceDisk = (*FlatDisk)(nil)
	_ TargetDisk = (*Writer)(nil)
	_ TargetDisk = (*FlatDisk)(nil)
	_ diskCopier = (*Writer)(nil)
)

// OpenDisk opens fileName as a sparse extent if OpenSparse accepts it, and
// as a flat disk otherwise. Any sparse open failure falls back to flat,
// including a file with the sparse magic whose header is rejected.
func OpenDisk(fileName string) (SourceDisk, error) {
	if r, err := OpenSparse(fileName); err == nil {
		return r, nil
	}
	return OpenFlat(fileName)
}

// copyChunkSize is the transfer unit of the generic fallback path.
const copyChunkSize = 65536

// copyData streams length bytes from src to dst at the same offset.
func copyData(dst TargetDisk, src SourceDisk, pos int64, length int64) error {
	buf := make([]byte, copyChunkSize)
	for length > 0 {
		readLen := int64(len(buf))
		if length < readLen {
			readLen = length
		}
		if err := safePread(src, buf[:readLen], pos); err != nil {
			return err
		}
		if err := safePwrite(dst, buf[:readLen], pos); err != nil {
			return err
		}
		pos += readLen
		length -= readLen
	}
	return nil
}

// Copy drains src into dst and finalizes dst, using the target's native
// copy engine when it has one and the NextData walk otherwise. On failure
// the target is aborted and left for the caller to unlink. Returns the
// number of bytes copied.
func Copy(src SourceDisk, dst TargetDisk, numWorkers int) (int64, error) {
	var copied int64

	if copier, ok := dst.(diskCopier); ok {
		n, err := copier.CopyFrom(src, numWorkers)
		if err != nil {
			dst.Abort()
			return 0, err
		}
		copied = n
	} else {
		end := int64(0)
		for {
			pos, rangeEnd, err := src.NextData(end)
			if errors.Is(err, ErrNoData) {
				break
			}
			if err != nil {
				dst.Abort()
				return 0, err
			}
			if err := copyData(dst, src, pos, rangeEnd-pos); err != nil {
				dst.Abort()
				return 0, err
			}
			copied += rangeEnd - pos
			end = rangeEnd
		}
	}

	if err := dst.Close(); err != nil {
		return 0, err
	}
	return copied, nil
}
