// Package converter adapts a filesystem.FileSystem to the standard library
// io/fs.FS interface, so tools that speak fs.FS (fs.WalkDir, testing/fstest)
// can read a mounted image directly.
package converter

import (
	"io/fs"
	"os"
	"path"

	"github.com/diskfs/go-ext2lite/filesystem"
)

type fsCompatible struct {
	filesystem.FileSystem
}

type fsFileWrapper struct {
	filesystem.File
	stat *os.FileInfo
}

func (f *fsFileWrapper) Stat() (fs.FileInfo, error) {
	if st, err := f.File.Stat(); err == nil {
		return st, nil
	}
	if f.stat == nil {
		return nil, fs.ErrInvalid
	}
	return *f.stat, nil
}

func (f *fsCompatible) Open(name string) (fs.File, error) {
	if !path.IsAbs(name) {
		name = "/" + name
	}
	file, err := f.OpenFile(name, os.O_RDONLY)
	if err != nil {
		return nil, err
	}
	dirname := path.Dir(name)
	var stat *os.FileInfo
	if info, err := f.ReadDir(dirname); err == nil {
		for i := range info {
			if info[i].Name() == path.Base(name) {
				stat = &info[i]
			}
		}
	}
	return &fsFileWrapper{File: file, stat: stat}, nil
}

// FS wraps a filesystem.FileSystem as an fs.FS.
func FS(f filesystem.FileSystem) fs.FS {
	return &fsCompatible{f}
}
