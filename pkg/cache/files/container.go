// Package files holds the on-disk byte containers backing cache files and
// recovered store files. Containers are written in place and filled
// sparsely; durability of their metadata is the persistent index's
// responsibility, a container only promises that Fsync flushes what was
// written so far.
package files

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrClosed is returned if an operation is attempted on a closed container.
var ErrClosed = errors.New("cache file container is closed")

// Container represents one cache file on disk, addressable by byte range.
type Container struct {
	mu     sync.Mutex
	file   *os.File
	path   string
	closed bool
}

// Open creates or reopens the container at path. When length is positive
// the file is extended (sparsely) to that size so reads of unfilled ranges
// see zeroes.
func Open(path string, length int64) (*Container, error) {
	if path == "" {
		return nil, errors.New("cache file path must not be empty")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open cache file: %w", err)
	}

	if length > 0 {
		info, err := file.Stat()
		if err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("stat cache file: %w", err)
		}
		if info.Size() < length {
			if err := file.Truncate(length); err != nil {
				_ = file.Close()
				return nil, fmt.Errorf("extend cache file: %w", err)
			}
		}
	}

	return &Container{file: file, path: path}, nil
}

// Path returns the backing file path.
func (c *Container) Path() string { return c.path }

// WriteAt writes data into the container at the given offset.
func (c *Container) WriteAt(p []byte, off int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, ErrClosed
	}
	return c.file.WriteAt(p, off)
}

// ReadAt reads data from the container at the given offset.
func (c *Container) ReadAt(p []byte, off int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, ErrClosed
	}
	return c.file.ReadAt(p, off)
}

// Truncate resizes the container to the provided size.
func (c *Container) Truncate(size int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	return c.file.Truncate(size)
}

// Size reports the current file size.
func (c *Container) Size() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, ErrClosed
	}
	info, err := c.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Fsync flushes written data to disk.
func (c *Container) Fsync() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	return c.file.Sync()
}

// Close releases the file handle. Data not fsynced may be lost on crash.
func (c *Container) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.file.Close()
}

// Remove closes the container and deletes the backing file.
func (c *Container) Remove() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		_ = c.file.Close()
	}
	if err := os.Remove(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove cache file: %w", err)
	}
	return nil
}
