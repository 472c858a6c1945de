package es

import (
	"fmt"
	"io"
	"os"
)

// Files is a read-seekable concatenation of several input files, for
// captures split across files. Offsets are positions in the logical
// concatenation.
type Files struct {
	files []*os.File
	sizes []int64
	total int64
	pos   int64
}

var _ io.ReadSeeker = (*Files)(nil)

// OpenFiles opens the named files as one logical stream. At least one
// path is required. Close the result when done.
func OpenFiles(paths ...string) (*Files, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("es: no input files given")
	}
	f := &Files{}
	for _, path := range paths {
		file, err := os.Open(path)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("es: %w", err)
		}
		info, err := file.Stat()
		if err != nil {
			file.Close()
			f.Close()
			return nil, fmt.Errorf("es: %w", err)
		}
		f.files = append(f.files, file)
		f.sizes = append(f.sizes, info.Size())
		f.total += info.Size()
	}
	return f, nil
}

// Size returns the total length of the concatenation.
func (f *Files) Size() int64 { return f.total }

// locate maps a logical position to a file index and offset within it.
func (f *Files) locate(pos int64) (int, int64) {
	for i, size := range f.sizes {
		if pos < size {
			return i, pos
		}
		pos -= size
	}
	return len(f.files), 0
}

func (f *Files) Read(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		idx, off := f.locate(f.pos)
		if idx >= len(f.files) {
			if total > 0 {
				return total, nil
			}
			return 0, io.EOF
		}
		n, err := f.files[idx].ReadAt(p[total:], off)
		total += n
		f.pos += int64(n)
		if err != nil && err != io.EOF {
			return total, err
		}
		if n == 0 {
			break
		}
	}
	if total == 0 {
		return 0, io.EOF
	}
	return total, nil
}

func (f *Files) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = f.pos + offset
	case io.SeekEnd:
		pos = f.total + offset
	default:
		return 0, fmt.Errorf("es: bad seek whence %d", whence)
	}
	if pos < 0 {
		return 0, fmt.Errorf("es: seek to negative position %d", pos)
	}
	f.pos = pos
	return pos, nil
}

// Close closes all underlying files, returning the first error.
func (f *Files) Close() error {
	var first error
	for _, file := range f.files {
		if err := file.Close(); err != nil && first == nil {
			first = err
		}
	}
	f.files = nil
	return first
}
