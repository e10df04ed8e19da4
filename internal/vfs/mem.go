package vfs

// mem.go implements an in-memory filesystem for tests. Paths are treated as
// flat strings; directory operations track directory names so that ListDir
// and SyncDir behave plausibly. The implementation favors simplicity over
// fidelity — it is not a POSIX emulation.

import (
	"bytes"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemFS is an in-memory FS implementation. Safe for concurrent use.
type MemFS struct {
	mu    sync.Mutex
	files map[string]*memFile
	dirs  map[string]bool
}

// NewMem returns a new, empty in-memory filesystem.
func NewMem() *MemFS {
	return &MemFS{
		files: make(map[string]*memFile),
		dirs:  map[string]bool{".": true, "/": true},
	}
}

type memFile struct {
	mu   sync.Mutex
	data []byte
}

func (fs *MemFS) Create(name string) (WritableFile, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f := &memFile{}
	fs.files[path.Clean(name)] = f
	return &memWritableFile{f: f}, nil
}

func (fs *MemFS) OpenAppend(name string) (WritableFile, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	name = path.Clean(name)
	f, ok := fs.files[name]
	if !ok {
		f = &memFile{}
		fs.files[name] = f
	}
	return &memWritableFile{f: f}, nil
}

func (fs *MemFS) Open(name string) (SequentialFile, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f, ok := fs.files[path.Clean(name)]
	if !ok {
		return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrNotExist}
	}
	f.mu.Lock()
	snapshot := append([]byte(nil), f.data...)
	f.mu.Unlock()
	return &memSequentialFile{r: bytes.NewReader(snapshot)}, nil
}

func (fs *MemFS) OpenRandomAccess(name string) (RandomAccessFile, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f, ok := fs.files[path.Clean(name)]
	if !ok {
		return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrNotExist}
	}
	return &memRandomAccessFile{f: f}, nil
}

func (fs *MemFS) Rename(oldname, newname string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	oldname, newname = path.Clean(oldname), path.Clean(newname)
	f, ok := fs.files[oldname]
	if !ok {
		return &os.PathError{Op: "rename", Path: oldname, Err: os.ErrNotExist}
	}
	fs.files[newname] = f
	delete(fs.files, oldname)
	return nil
}

func (fs *MemFS) Remove(name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	name = path.Clean(name)
	if _, ok := fs.files[name]; !ok {
		return &os.PathError{Op: "remove", Path: name, Err: os.ErrNotExist}
	}
	delete(fs.files, name)
	return nil
}

func (fs *MemFS) RemoveAll(p string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	p = path.Clean(p)
	for name := range fs.files {
		if name == p || strings.HasPrefix(name, p+"/") {
			delete(fs.files, name)
		}
	}
	for name := range fs.dirs {
		if name == p || strings.HasPrefix(name, p+"/") {
			delete(fs.dirs, name)
		}
	}
	return nil
}

func (fs *MemFS) MkdirAll(p string, perm os.FileMode) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	p = path.Clean(p)
	for p != "." && p != "/" {
		fs.dirs[p] = true
		p = path.Dir(p)
	}
	return nil
}

func (fs *MemFS) Stat(name string) (os.FileInfo, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	name = path.Clean(name)
	if f, ok := fs.files[name]; ok {
		f.mu.Lock()
		size := int64(len(f.data))
		f.mu.Unlock()
		return memFileInfo{name: path.Base(name), size: size}, nil
	}
	if fs.dirs[name] {
		return memFileInfo{name: path.Base(name), dir: true}, nil
	}
	return nil, &os.PathError{Op: "stat", Path: name, Err: os.ErrNotExist}
}

func (fs *MemFS) Exists(name string) bool {
	_, err := fs.Stat(name)
	return err == nil
}

func (fs *MemFS) ListDir(p string) ([]string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	p = path.Clean(p)
	seen := make(map[string]bool)
	for name := range fs.files {
		if path.Dir(name) == p {
			seen[path.Base(name)] = true
		}
	}
	for name := range fs.dirs {
		if name != p && path.Dir(name) == p {
			seen[path.Base(name)] = true
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (fs *MemFS) SyncDir(p string) error {
	return nil
}

// memWritableFile appends into the backing memFile.
type memWritableFile struct {
	f      *memFile
	closed bool
}

func (w *memWritableFile) Write(p []byte) (int, error) {
	if w.closed {
		return 0, os.ErrClosed
	}
	w.f.mu.Lock()
	w.f.data = append(w.f.data, p...)
	w.f.mu.Unlock()
	return len(p), nil
}

func (w *memWritableFile) Sync() error {
	return nil
}

func (w *memWritableFile) Size() (int64, error) {
	w.f.mu.Lock()
	defer w.f.mu.Unlock()
	return int64(len(w.f.data)), nil
}

func (w *memWritableFile) Close() error {
	w.closed = true
	return nil
}

// memSequentialFile reads a point-in-time snapshot of the file.
type memSequentialFile struct {
	r *bytes.Reader
}

func (s *memSequentialFile) Read(p []byte) (int, error) {
	return s.r.Read(p)
}

func (s *memSequentialFile) Close() error {
	return nil
}

// memRandomAccessFile reads the live backing file at arbitrary offsets.
type memRandomAccessFile struct {
	f *memFile
}

func (r *memRandomAccessFile) ReadAt(p []byte, off int64) (int, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	if off >= int64(len(r.f.data)) {
		return 0, io.EOF
	}
	n := copy(p, r.f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (r *memRandomAccessFile) Size() int64 {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	return int64(len(r.f.data))
}

func (r *memRandomAccessFile) Close() error {
	return nil
}

// memFileInfo implements os.FileInfo for MemFS entries.
type memFileInfo struct {
	name string
	size int64
	dir  bool
}

func (i memFileInfo) Name() string { return i.name }
func (i memFileInfo) Size() int64  { return i.size }
func (i memFileInfo) Mode() os.FileMode {
	if i.dir {
		return os.ModeDir | 0o755
	}
	return 0o644
}
func (i memFileInfo) ModTime() time.Time { return time.Time{} }
func (i memFileInfo) IsDir() bool        { return i.dir }
func (i memFileInfo) Sys() any           { return nil }
