// Package sendfile caches file contents for Request.SendFile.
package sendfile

import (
	"container/list"
	"io"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// MaxCachedSize is the largest file kept in memory. Larger files are
// streamed from disk on every call.
const MaxCachedSize = 1 << 20

// FileCache is an LRU of file contents. An entry is reused while the
// file's size and modification time are unchanged.
type FileCache struct {
	mu       sync.Mutex
	cache    map[string]*list.Element
	lruList  *list.List
	maxFiles int

	hits   uint64
	misses uint64
}

type cacheEntry struct {
	path    string
	size    int64
	modTime time.Time
	data    []byte
}

func NewFileCache(maxFiles int) *FileCache {
	if maxFiles <= 0 {
		maxFiles = 1
	}
	return &FileCache{
		cache:    make(map[string]*list.Element),
		lruList:  list.New(),
		maxFiles: maxFiles,
	}
}

// WriteTo copies the file at path into w.
func (fc *FileCache) WriteTo(w io.Writer, path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, errors.Wrap(err, "stat")
	}
	if info.IsDir() {
		return 0, errors.Newf("%s is a directory", path)
	}

	if data, ok := fc.lookup(path, info); ok {
		n, err := w.Write(data)
		return int64(n), err
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrap(err, "open")
	}
	defer f.Close()

	if info.Size() > MaxCachedSize {
		return io.Copy(w, f)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return 0, errors.Wrap(err, "read")
	}
	fc.store(&cacheEntry{path: path, size: info.Size(), modTime: info.ModTime(), data: data})
	n, err := w.Write(data)
	return int64(n), err
}

func (fc *FileCache) lookup(path string, info os.FileInfo) ([]byte, bool) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	el, ok := fc.cache[path]
	if !ok {
		fc.misses++
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if entry.size != info.Size() || !entry.modTime.Equal(info.ModTime()) {
		fc.lruList.Remove(el)
		delete(fc.cache, path)
		fc.misses++
		return nil, false
	}
	fc.lruList.MoveToFront(el)
	fc.hits++
	return entry.data, true
}

func (fc *FileCache) store(entry *cacheEntry) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if el, ok := fc.cache[entry.path]; ok {
		fc.lruList.Remove(el)
	}
	fc.cache[entry.path] = fc.lruList.PushFront(entry)

	for fc.lruList.Len() > fc.maxFiles {
		oldest := fc.lruList.Back()
		fc.lruList.Remove(oldest)
		delete(fc.cache, oldest.Value.(*cacheEntry).path)
	}
}

// Len is the number of cached files.
func (fc *FileCache) Len() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.lruList.Len()
}

// Stats returns the hit and miss counts.
func (fc *FileCache) Stats() (hits, misses uint64) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.hits, fc.misses
}

// Purge drops every entry.
func (fc *FileCache) Purge() {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.cache = make(map[string]*list.Element)
	fc.lruList.Init()
}

var globalFileCache = NewFileCache(1000)

// Default returns the process-wide cache.
func Default() *FileCache { return globalFileCache }

// WriteFile copies path into w through the process-wide cache.
func WriteFile(w io.Writer, path string) (int64, error) {
	return globalFileCache.WriteTo(w, path)
}
