package codalfs

import "io"

// Mode represents the file access mode used in OpenFile.
type Mode uint32

// File access modes for calling OpenFile.
const (
	ModeRead   Mode = Mode(flagRead)
	ModeWrite  Mode = Mode(flagWrite)
	ModeCreate Mode = Mode(flagCreate)
	ModeAppend Mode = Mode(flagAppend)
	ModeRW     Mode = ModeRead | ModeWrite

	allowedModes = ModeRead | ModeWrite | ModeCreate | ModeAppend
)

// The error taxonomy surfaced by the public API. Internal sentinel
// addresses never escape; helpers translate them into one of these.
var (
	ErrNotSupported     error = rNotSupported
	ErrInvalidParameter error = rInvalidParameter
	ErrNoResources      error = rNoResources
	ErrNoData           error = rNoData
)

// File is an open file handle. It implements io.Reader, io.Writer and
// io.Seeker over the file's block chain.
type File struct {
	fs *FS
	fd int
}

// FileInfo describes one entry of a directory listing.
type FileInfo struct {
	name  string
	size  int64
	isDir bool
}

// Name returns the name of the file.
func (fi FileInfo) Name() string { return fi.name }

// Size returns the size of the file in bytes. Directories report zero.
// Files not yet finalised do not appear in directory listings.
func (fi FileInfo) Size() int64 { return fi.size }

// IsDir reports whether the entry is a directory.
func (fi FileInfo) IsDir() bool { return fi.isDir }

// OpenFile opens the named file for reading or writing depending on mode.
// With ModeCreate the file is created if it does not exist; with
// ModeAppend the position starts at the end of the file. A file may only
// be open once at a time.
func (fs *FS) OpenFile(path string, mode Mode) (*File, error) {
	if mode&^allowedModes != 0 {
		return nil, ErrInvalidParameter
	}
	fd, fr := fs.open(path, uint32(mode))
	if fr != rOK {
		return nil, fr
	}
	return &File{fs: fs, fd: fd}, nil
}

// Remove deletes the named file and returns its blocks for reuse by other
// files. The file must not be open.
func (fs *FS) Remove(path string) error {
	if fr := fs.remove(path); fr != rOK {
		return fr
	}
	return nil
}

// Mkdir creates a new directory at the given path. The parent directory
// must exist; the name must not.
func (fs *FS) Mkdir(path string) error {
	if fr := fs.createDirectory(path); fr != rOK {
		return fr
	}
	return nil
}

// ReadDir lists the named directory. "/" lists the root.
func (fs *FS) ReadDir(path string) ([]FileInfo, error) {
	entries, fr := fs.readDirectory(path)
	if fr != rOK {
		return nil, fr
	}
	return entries, nil
}

// Walk visits every entry below path in depth-first order, calling fn
// with each entry's full path and FileInfo. Subdirectories are visited
// before their siblings, immediately after their own entry. An error
// returned by fn stops the walk and propagates to the caller.
func (fs *FS) Walk(path string, fn func(path string, info FileInfo) error) error {
	entries, err := fs.ReadDir(path)
	if err != nil {
		return err
	}
	prefix := path + string(separator)
	if path == string(separator) {
		prefix = path
	}
	for _, entry := range entries {
		child := prefix + entry.Name()
		if err := fn(child, entry); err != nil {
			return err
		}
		if entry.IsDir() {
			if err := fs.Walk(child, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// Format re-initialises the filesystem, discarding all content. Open
// files are invalidated.
func (fs *FS) Format() error {
	if fr := fs.format(); fr != rOK {
		return fr
	}
	return nil
}

// Unmount flushes all staged state and releases the filesystem. If this
// instance was the process default, the default is cleared.
func (fs *FS) Unmount() error {
	fr := fs.cache.flushAll()
	fs.cache.reset()
	fs.openFiles = nil
	fs.status = 0
	if defaultFileSystem == fs {
		defaultFileSystem = nil
	}
	if fr != rOK {
		return fr
	}
	return nil
}

// Read reads up to len(buf) bytes from the file's current position. It
// implements the io.Reader interface.
func (f *File) Read(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	n, fr := f.fs.read(f.fd, buf)
	if fr != rOK {
		return n, fr
	}
	if n == 0 && len(buf) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Write writes len(buf) bytes to the file's current position, growing the
// file as needed. It implements the io.Writer interface. A short write
// means the filesystem is full.
func (f *File) Write(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	n, fr := f.fs.write(f.fd, buf)
	if fr != rOK {
		return n, fr
	}
	if n < len(buf) {
		return n, ErrNoResources
	}
	return n, nil
}

// Seek moves the file position. The resulting position must lie within
// the file. It implements the io.Seeker interface.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	pos, fr := f.fs.seek(f.fd, int(offset), whence)
	if fr != rOK {
		return 0, fr
	}
	return int64(pos), nil
}

// Sync commits the file's data and directory entry to flash, leaving the
// file open.
func (f *File) Sync() error {
	if fr := f.fs.flush(f.fd); fr != rOK {
		return fr
	}
	return nil
}

// Close flushes and releases the file handle.
func (f *File) Close() error {
	if fr := f.fs.close(f.fd); fr != rOK {
		return fr
	}
	return nil
}
