package storage

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
)

const (
	recordHeaderSize = 8
	maxRecordSize    = 1 << 20
)

// FileLogStore is a LogStore backed by an append-only file. Each record is
// framed as [u32 payload length][u32 crc32 of payload][payload], little
// endian. Entries are mirrored in memory for reads.
type FileLogStore struct {
	mu      sync.Mutex
	path    string
	f       *os.File
	w       *bufio.Writer
	entries []LogEntry
	offsets []int64 // file offset of each record
	size    int64   // logical end of file, including buffered bytes
}

// OpenFileLogStore opens the log at path. With loadExisting the stored
// records are loaded and a torn or corrupt tail is cut off; otherwise the
// file is truncated. A missing file is an empty log.
func OpenFileLogStore(path string, loadExisting bool) (*FileLogStore, error) {
	flags := os.O_RDWR | os.O_CREATE
	if !loadExisting {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}

	s := &FileLogStore{path: path, f: f}
	if loadExisting {
		good, err := readRecords(bufio.NewReader(f), func(off int64, e LogEntry) error {
			s.entries = append(s.entries, e)
			s.offsets = append(s.offsets, off)
			return nil
		})
		if err != nil && !errors.Is(err, ErrCorruptRecord) {
			_ = f.Close()
			return nil, fmt.Errorf("load log %s: %w", path, err)
		}
		if err := f.Truncate(good); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("truncate log tail %s: %w", path, err)
		}
		s.size = good
	}
	if _, err := f.Seek(s.size, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, err
	}
	s.w = bufio.NewWriter(f)
	return s, nil
}

func (s *FileLogStore) Path() string { return s.path }

func (s *FileLogStore) LastIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries) - 1
}

func (s *FileLogStore) ReadRange(lo, hi int) ([]LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return readRange(s.entries, lo, hi)
}

// Append buffers the entries. Entry indexes must continue the log.
func (s *FileLogStore) Append(entries []LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		if e.Index != len(s.entries) {
			return fmt.Errorf("append index %d, log length %d: %w", e.Index, len(s.entries), ErrOutOfRange)
		}
		payload, err := encodeEntry(e)
		if err != nil {
			return err
		}
		var hdr [recordHeaderSize]byte
		binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(payload)))
		binary.LittleEndian.PutUint32(hdr[4:8], crc32.ChecksumIEEE(payload))
		if _, err := s.w.Write(hdr[:]); err != nil {
			return err
		}
		if _, err := s.w.Write(payload); err != nil {
			return err
		}
		s.offsets = append(s.offsets, s.size)
		s.entries = append(s.entries, e)
		s.size += int64(recordHeaderSize + len(payload))
	}
	return nil
}

// DeleteFrom removes the entry at index and everything after it.
func (s *FileLogStore) DeleteFrom(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index > len(s.entries) {
		return fmt.Errorf("delete from %d, log length %d: %w", index, len(s.entries), ErrOutOfRange)
	}
	if index == len(s.entries) {
		return nil
	}
	if err := s.w.Flush(); err != nil {
		return err
	}
	off := s.offsets[index]
	if err := s.f.Truncate(off); err != nil {
		return fmt.Errorf("truncate log at %d: %w", index, err)
	}
	if _, err := s.f.Seek(off, io.SeekStart); err != nil {
		return err
	}
	s.w.Reset(s.f)
	s.entries = s.entries[:index]
	s.offsets = s.offsets[:index]
	s.size = off
	return nil
}

// Persist flushes buffered records and fsyncs the file.
func (s *FileLogStore) Persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("flush log: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("fsync log: %w", err)
	}
	return nil
}

// Iterate calls fn for every entry in index order, stopping at the first error.
func (s *FileLogStore) Iterate(fn func(LogEntry) error) error {
	s.mu.Lock()
	entries := make([]LogEntry, len(s.entries))
	copy(entries, s.entries)
	s.mu.Unlock()

	for _, e := range entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *FileLogStore) Close() error {
	if err := s.Persist(); err != nil {
		_ = s.f.Close()
		return err
	}
	return s.f.Close()
}

// ReadLogFile iterates the records of a log file without modifying it.
// A corrupt tail is reported as ErrCorruptRecord after the good prefix.
func ReadLogFile(path string, fn func(LogEntry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = readRecords(bufio.NewReader(f), func(_ int64, e LogEntry) error {
		return fn(e)
	})
	return err
}

// readRecords decodes records until EOF and returns the offset just past
// the last good record. A short, oversized, checksum-failing, undecodable
// or out-of-sequence record ends the scan with ErrCorruptRecord.
func readRecords(r io.Reader, fn func(off int64, e LogEntry) error) (int64, error) {
	var (
		off  int64
		next int
		hdr  [recordHeaderSize]byte
	)
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if err == io.EOF {
				return off, nil
			}
			if err == io.ErrUnexpectedEOF {
				return off, fmt.Errorf("short header at offset %d: %w", off, ErrCorruptRecord)
			}
			return off, err
		}
		n := binary.LittleEndian.Uint32(hdr[0:4])
		sum := binary.LittleEndian.Uint32(hdr[4:8])
		if n == 0 || n > maxRecordSize {
			return off, fmt.Errorf("record length %d at offset %d: %w", n, off, ErrCorruptRecord)
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return off, fmt.Errorf("short record at offset %d: %w", off, ErrCorruptRecord)
			}
			return off, err
		}
		if crc32.ChecksumIEEE(payload) != sum {
			return off, fmt.Errorf("checksum mismatch at offset %d: %w", off, ErrCorruptRecord)
		}
		e, err := decodeEntry(payload)
		if err != nil {
			return off, fmt.Errorf("record at offset %d: %w", off, err)
		}
		if e.Index != next {
			return off, fmt.Errorf("record index %d, want %d: %w", e.Index, next, ErrCorruptRecord)
		}
		if err := fn(off, e); err != nil {
			return off, err
		}
		off += int64(recordHeaderSize) + int64(n)
		next++
	}
}
