package cluster

import (
	"bytes"
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
)

// SaveMapped writes an uncompressed snapshot through a writable mapping.
// Mapped snapshots are larger than SaveCompressed ones but load without a
// decompression pass.
func (sc *Supercluster) SaveMapped(filename string) error {
	var buf bytes.Buffer
	if _, err := sc.WriteTo(&buf); err != nil {
		return fmt.Errorf("failed to encode index: %w", err)
	}

	file, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	if err := file.Truncate(int64(buf.Len())); err != nil {
		return fmt.Errorf("failed to size file: %w", err)
	}

	data, err := mmap.Map(file, mmap.RDWR, 0)
	if err != nil {
		return fmt.Errorf("failed to map file: %w", err)
	}
	copy(data, buf.Bytes())

	if err := data.Flush(); err != nil {
		data.Unmap()
		return fmt.Errorf("failed to flush mapping: %w", err)
	}
	if err := data.Unmap(); err != nil {
		return fmt.Errorf("failed to unmap file: %w", err)
	}
	return nil
}

// LoadMappedSupercluster reads a snapshot written by SaveMapped.
func LoadMappedSupercluster(filename string) (*Supercluster, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	data, err := mmap.Map(file, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to map file: %w", err)
	}
	defer data.Unmap()

	sc, err := ReadSupercluster(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", filename, err)
	}
	return sc, nil
}
