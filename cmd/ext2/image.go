package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pierrec/lz4"
	"github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz"

	"github.com/diskfs/go-ext2lite/backend"
	"github.com/diskfs/go-ext2lite/backend/file"
	"github.com/diskfs/go-ext2lite/filesystem/ext2"
)

// openImage opens an image for mounting. A .xz or .lz4 image is
// decompressed into a temporary file first and always opened read-only.
func openImage(path string, readOnly bool) (backend.Storage, int64, func(), error) {
	cleanup := func() {}

	var decompress func(io.Reader) (io.Reader, error)
	switch {
	case strings.HasSuffix(path, ".xz"):
		decompress = func(r io.Reader) (io.Reader, error) { return xz.NewReader(r) }
	case strings.HasSuffix(path, ".lz4"):
		decompress = func(r io.Reader) (io.Reader, error) { return lz4.NewReader(r), nil }
	}

	if decompress != nil {
		if !readOnly {
			return nil, 0, cleanup, fmt.Errorf("compressed image %s can only be opened read-only", path)
		}
		in, err := os.Open(path)
		if err != nil {
			return nil, 0, cleanup, err
		}
		defer in.Close()
		r, err := decompress(in)
		if err != nil {
			return nil, 0, cleanup, fmt.Errorf("could not decompress %s: %w", path, err)
		}
		tmp, err := os.CreateTemp("", "ext2-image-*")
		if err != nil {
			return nil, 0, cleanup, err
		}
		cleanup = func() { os.Remove(tmp.Name()) }
		size, err := io.Copy(tmp, r)
		if err != nil {
			tmp.Close()
			cleanup()
			return nil, 0, func() {}, fmt.Errorf("could not decompress %s: %w", path, err)
		}
		logrus.Debugf("decompressed %s to %s (%d bytes)", path, tmp.Name(), size)
		return file.New(tmp, true), size, cleanup, nil
	}

	b, err := file.OpenFromPath(path, readOnly)
	if err != nil {
		return nil, 0, cleanup, err
	}
	size, err := file.Size(b)
	if err != nil {
		return nil, 0, cleanup, err
	}
	return b, size, cleanup, nil
}

// mountImage opens and mounts an image.
func mountImage(path string, readOnly bool) (*ext2.FileSystem, func(), error) {
	b, size, cleanup, err := openImage(path, readOnly)
	if err != nil {
		return nil, cleanup, err
	}
	fs, err := ext2.Read(b, size, 0, 0, mountOpts, readOnly)
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}
	return fs, cleanup, nil
}
