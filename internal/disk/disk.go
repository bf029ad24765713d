// Package disk implements the fixed-size page file backing the buffer
// pool: header framing, page read/write, and allocation.
package disk

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/dblab/storagecore/internal/page"
)

// Header is the fixed-size first page of a database file. It tracks the
// root of the B+Tree, the head of the free-page list, and the page size
// the file was created with so a mismatched config can't silently corrupt
// the file.
type Header struct {
	Magic          uint32
	Version        uint32
	PageSize       uint32
	RootPageID     page.ID
	FreeListHead   page.ID
	LastLSN        page.LSN
	NumPages       uint64
}

// Magic identifies a file created by this package.
const Magic uint32 = 0x6010DB00

const headerSize = 4096 // one full page reserved for the header, regardless of binary.Size(Header{})

// HeaderPageID is the physical page slot the header lives in. It is
// permanently reserved: NumPages starts at 1 and AllocatePage/DeallocatePage
// never hand it out.
const HeaderPageID = page.ID(0)

// rootPageIDOffset is RootPageID's byte offset within the header's
// binary.Write encoding: Magic (4) + Version (4) + PageSize (4), all
// fixed-width fields with no struct padding under binary.Write.
const rootPageIDOffset = 12

// DecodeRootPageID reads the root page ID directly out of a header page's
// raw bytes, without going through ReadPage/UpdateHeader. It lets the
// btree package treat the header as an ordinary buffer-pool page (fetched
// and guarded like any other), rather than a side channel, so a guard held
// on HeaderPageID actually serializes concurrent root-pointer updates.
func DecodeRootPageID(data []byte) page.ID {
	return page.ID(binary.LittleEndian.Uint64(data[rootPageIDOffset : rootPageIDOffset+8]))
}

// EncodeRootPageID writes id into a header page's raw bytes at the same
// offset DecodeRootPageID reads from.
func EncodeRootPageID(data []byte, id page.ID) {
	binary.LittleEndian.PutUint64(data[rootPageIDOffset:rootPageIDOffset+8], uint64(id))
}

var (
	// ErrFileExists is returned by OpenOrCreate when asked to create a
	// file that is already present.
	ErrFileExists = errors.New("disk: database file already exists")
	// ErrFileNotFound is returned by OpenOrCreate when asked to open a
	// file that does not exist.
	ErrFileNotFound = errors.New("disk: database file not found")
	// ErrBadMagic is returned when a file's header does not carry this
	// package's magic number.
	ErrBadMagic = errors.New("disk: invalid database file magic")
	// ErrPageSizeMismatch is returned when an existing file's recorded
	// page size does not match page.Size.
	ErrPageSizeMismatch = errors.New("disk: configured page size does not match file")
	// ErrClosed is returned by any operation attempted after Close.
	ErrClosed = errors.New("disk: manager is closed")
)

// Manager owns the on-disk file: the header page, the page-addressed
// read/write path, and a singly-linked free-page list threaded through
// deallocated pages' first 8 bytes.
type Manager struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	numPages uint64
}

// NewManager constructs a Manager. Use OpenOrCreate to actually open the
// backing file.
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// OpenOrCreate opens an existing database file, or creates one if create
// is true and none exists, returning the decoded header.
func (m *Manager) OpenOrCreate(create bool) (*Header, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var hdr Header
	if _, err := os.Stat(m.path); errors.Is(err, os.ErrNotExist) {
		if !create {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, m.path)
		}
		f, err := os.OpenFile(m.path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
		if err != nil {
			return nil, fmt.Errorf("disk: creating %s: %w", m.path, err)
		}
		m.file = f
		hdr = Header{
			Magic:        Magic,
			Version:      1,
			PageSize:     page.Size,
			RootPageID:   page.InvalidID,
			FreeListHead: page.InvalidID,
			NumPages:     1, // page 0 is the header itself
		}
		if err := m.writeHeader(&hdr); err != nil {
			m.file.Close()
			os.Remove(m.path)
			return nil, err
		}
	} else if err == nil {
		if create {
			return nil, fmt.Errorf("%w: %s", ErrFileExists, m.path)
		}
		f, err := os.OpenFile(m.path, os.O_RDWR, 0666)
		if err != nil {
			return nil, fmt.Errorf("disk: opening %s: %w", m.path, err)
		}
		m.file = f
		if err := m.readHeader(&hdr); err != nil {
			m.file.Close()
			return nil, err
		}
		if hdr.Magic != Magic {
			m.file.Close()
			return nil, ErrBadMagic
		}
		if hdr.PageSize != page.Size {
			m.file.Close()
			return nil, fmt.Errorf("%w: file has %d, configured %d", ErrPageSizeMismatch, hdr.PageSize, page.Size)
		}
	} else {
		return nil, fmt.Errorf("disk: stat %s: %w", m.path, err)
	}

	fi, err := m.file.Stat()
	if err != nil {
		m.file.Close()
		return nil, fmt.Errorf("disk: stat file: %w", err)
	}
	m.numPages = uint64(fi.Size()) / page.Size
	if m.numPages < hdr.NumPages {
		m.numPages = hdr.NumPages
	}
	return &hdr, nil
}

func (m *Manager) writeHeader(hdr *Header) error {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, hdr); err != nil {
		return fmt.Errorf("disk: encoding header: %w", err)
	}
	if buf.Len() > headerSize {
		return fmt.Errorf("disk: header %d bytes exceeds reserved page", buf.Len())
	}
	buf.Write(make([]byte, headerSize-buf.Len()))
	if _, err := m.file.WriteAt(buf.Bytes(), 0); err != nil {
		return fmt.Errorf("disk: writing header: %w", err)
	}
	return m.file.Sync()
}

func (m *Manager) readHeader(hdr *Header) error {
	data := make([]byte, headerSize)
	if _, err := m.file.ReadAt(data, 0); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("disk: file too small to hold header")
		}
		return fmt.Errorf("disk: reading header: %w", err)
	}
	return binary.Read(bytes.NewReader(data), binary.LittleEndian, hdr)
}

// UpdateHeader reads the current header, applies fn, and writes it back,
// under the manager's lock.
func (m *Manager) UpdateHeader(fn func(*Header)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return ErrClosed
	}
	var hdr Header
	if err := m.readHeader(&hdr); err != nil {
		return err
	}
	fn(&hdr)
	return m.writeHeader(&hdr)
}

// ReadPage reads the page-sized slot for id into dst, which must be
// exactly page.Size bytes.
func (m *Manager) ReadPage(id page.ID, dst []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return ErrClosed
	}
	if len(dst) != page.Size {
		return fmt.Errorf("disk: buffer size %d != page size %d", len(dst), page.Size)
	}
	offset := int64(id) * page.Size
	n, err := m.file.ReadAt(dst, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("disk: reading page %d: %w", id, err)
	}
	if n != page.Size {
		return fmt.Errorf("disk: short read for page %d: got %d bytes", id, n)
	}
	return nil
}

// WritePage writes src (exactly page.Size bytes) to the slot for id.
func (m *Manager) WritePage(id page.ID, src []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return ErrClosed
	}
	if len(src) != page.Size {
		return fmt.Errorf("disk: buffer size %d != page size %d", len(src), page.Size)
	}
	offset := int64(id) * page.Size
	if _, err := m.file.WriteAt(src, offset); err != nil {
		return fmt.Errorf("disk: writing page %d: %w", id, err)
	}
	return nil
}

// AllocatePage reuses a page off the free list if one is available,
// otherwise extends the file by one page. Either way it returns the new
// page's ID with zeroed contents already on disk.
func (m *Manager) AllocatePage() (page.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return page.InvalidID, ErrClosed
	}

	var hdr Header
	if err := m.readHeader(&hdr); err != nil {
		return page.InvalidID, err
	}
	if hdr.FreeListHead != page.InvalidID {
		id := hdr.FreeListHead
		next := make([]byte, page.Size)
		offset := int64(id) * page.Size
		if _, err := m.file.ReadAt(next, offset); err != nil {
			return page.InvalidID, fmt.Errorf("disk: reading free-list head: %w", err)
		}
		hdr.FreeListHead = page.ID(binary.LittleEndian.Uint64(next[:8]))
		if err := m.writeHeader(&hdr); err != nil {
			return page.InvalidID, err
		}
		zero := make([]byte, page.Size)
		if _, err := m.file.WriteAt(zero, offset); err != nil {
			return page.InvalidID, fmt.Errorf("disk: clearing reused page %d: %w", id, err)
		}
		return id, nil
	}

	newID := page.ID(m.numPages)
	empty := make([]byte, page.Size)
	if _, err := m.file.WriteAt(empty, int64(newID)*page.Size); err != nil {
		return page.InvalidID, fmt.Errorf("disk: extending file for page %d: %w", newID, err)
	}
	m.numPages++
	hdr.NumPages = m.numPages
	if err := m.writeHeader(&hdr); err != nil {
		return page.InvalidID, err
	}
	return newID, nil
}

// DeallocatePage threads id onto the free list, stored in the first 8
// bytes of the page's on-disk slot.
func (m *Manager) DeallocatePage(id page.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return ErrClosed
	}
	var hdr Header
	if err := m.readHeader(&hdr); err != nil {
		return err
	}
	link := make([]byte, page.Size)
	binary.LittleEndian.PutUint64(link[:8], uint64(hdr.FreeListHead))
	if _, err := m.file.WriteAt(link, int64(id)*page.Size); err != nil {
		return fmt.Errorf("disk: linking freed page %d: %w", id, err)
	}
	hdr.FreeListHead = id
	return m.writeHeader(&hdr)
}

// Sync flushes the file to stable storage.
func (m *Manager) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return ErrClosed
	}
	return m.file.Sync()
}

// Close flushes and closes the backing file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return nil
	}
	if err := m.file.Sync(); err != nil {
		m.file.Close()
		m.file = nil
		return fmt.Errorf("disk: sync on close: %w", err)
	}
	err := m.file.Close()
	m.file = nil
	return err
}
