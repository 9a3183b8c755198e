package backend

import (
	"io"
	"io/fs"
	"os"
)

// SubStorage exposes a window of an underlying Storage, so a filesystem can
// live at an arbitrary byte offset of a disk, e.g. inside a partition.
// Every ReadAt/WriteAt/Seek is translated by the window offset.
type SubStorage struct {
	underlying Storage
	offset     int64
	size       int64
}

func Sub(u Storage, offset, size int64) Storage {
	return SubStorage{
		underlying: u,
		offset:     offset,
		size:       size,
	}
}

func (s SubStorage) Stat() (fs.FileInfo, error) {
	return s.underlying.Stat()
}

func (s SubStorage) Read(b []byte) (int, error) {
	return s.underlying.Read(b)
}

func (s SubStorage) Close() error {
	return s.underlying.Close()
}

func (s SubStorage) ReadAt(p []byte, off int64) (n int, err error) {
	return s.underlying.ReadAt(p, s.offset+off)
}

func (s SubStorage) Seek(offset int64, whence int) (int64, error) {
	var (
		pos int64
		err error
	)

	switch whence {
	case io.SeekStart:
		pos, err = s.underlying.Seek(offset+s.offset, io.SeekStart)
	case io.SeekCurrent:
		pos, err = s.underlying.Seek(offset, io.SeekCurrent)
	case io.SeekEnd:
		pos, err = s.underlying.Seek(s.offset+s.size+offset, io.SeekStart)
	default:
		return -1, ErrNotSuitable
	}

	if err != nil {
		return -1, err
	}

	return pos - s.offset, nil
}

func (s SubStorage) Sys() (*os.File, error) {
	return s.underlying.Sys()
}

func (s SubStorage) Writable() (WritableFile, error) {
	uw, err := s.underlying.Writable()
	if err != nil {
		return nil, err
	}
	// the writable view shares the same window; only WriteAt is new
	return subWritable{
		SubStorage: SubStorage{
			underlying: s.underlying,
			offset:     s.offset,
			size:       s.size,
		},
		writable: uw,
	}, nil
}

type subWritable struct {
	SubStorage
	writable WritableFile
}

func (sw subWritable) WriteAt(p []byte, off int64) (n int, err error) {
	return sw.writable.WriteAt(p, sw.offset+off)
}
