package codec

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"distributed-melee-rl/internal/experience"
)

// WriteFile stores records as an int32 count followed by the raw records. The
// file is written to a temporary sibling and renamed into place so readers
// never observe a partial dump.
func (c *Codec) WriteFile(path string, records [][]byte) error {
	for i, record := range records {
		if len(record) != c.size {
			return fmt.Errorf("%w: record %d has %d bytes, want %d", experience.ErrSchemaMismatch, i, len(record), c.size)
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tempName := tmp.Name()
	defer os.Remove(tempName)

	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(records)))
	if _, err := tmp.Write(header[:]); err != nil {
		tmp.Close()
		return err
	}
	for _, record := range records {
		if _, err := tmp.Write(record); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tempName, path)
}

// ReadFile loads a dump written by WriteFile and validates every record.
func (c *Codec) ReadFile(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var header [4]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		return nil, fmt.Errorf("%w: %s: missing count: %v", experience.ErrMalformedRecord, path, err)
	}
	count := int(int32(binary.LittleEndian.Uint32(header[:])))
	if count < 0 {
		return nil, fmt.Errorf("%w: %s: negative count", experience.ErrMalformedRecord, path)
	}

	records := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		record := make([]byte, c.size)
		if _, err := io.ReadFull(f, record); err != nil {
			return nil, fmt.Errorf("%w: %s: record %d: %v", experience.ErrMalformedRecord, path, i, err)
		}
		if err := c.Validate(record); err != nil {
			return nil, fmt.Errorf("%s: record %d: %w", path, i, err)
		}
		records = append(records, record)
	}

	var extra [1]byte
	if n, _ := f.Read(extra[:]); n > 0 {
		return nil, fmt.Errorf("%w: %s too long", experience.ErrMalformedRecord, path)
	}
	return records, nil
}
