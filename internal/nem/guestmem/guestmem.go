// Package guestmem is a reference memory manager: it owns guest RAM regions,
// the page entries the gpa package drives, and the per-page locks that make
// page lookups and host mapping calls atomic.
package guestmem

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/nem/internal/nem/gpa"
	"github.com/tinyrange/nem/internal/nem/statesync"
)

var (
	ErrOverlap     = errors.New("guestmem: region overlaps existing region")
	ErrNoRegion    = errors.New("guestmem: no region at address")
	ErrPageMapped  = errors.New("guestmem: page still mapped")
	ErrOutOfBounds = errors.New("guestmem: access outside guest RAM")
)

// Region is a contiguous range of guest-physical address space.
type Region struct {
	GPA        uint64
	Size       uint64
	Prot       gpa.Prot
	TrackDirty bool

	mem []byte
}

// Bytes returns the host memory backing the region, or nil for an MMIO hole.
func (r *Region) Bytes() []byte { return r.mem }

func (r *Region) contains(addr uint64) bool {
	return addr >= r.GPA && addr-r.GPA < r.Size
}

type pageSlot struct {
	mu    sync.Mutex
	entry gpa.PageEntry
}

// Memory implements gpa.MemoryManager and statesync.PagingObserver.
type Memory struct {
	log *slog.Logger

	mu      sync.RWMutex
	regions []*Region
	pages   map[uint64]*pageSlot

	pagingModeChanges atomic.Uint64
	pagingRootChanges atomic.Uint64
}

var (
	_ gpa.MemoryManager        = &Memory{}
	_ statesync.PagingObserver = &Memory{}
	_ io.ReaderAt              = &Memory{}
	_ io.WriterAt              = &Memory{}
)

func New(log *slog.Logger) *Memory {
	if log == nil {
		log = slog.Default()
	}
	return &Memory{
		log:   log,
		pages: make(map[uint64]*pageSlot),
	}
}

// AddRAM allocates host memory and registers it at addr.
func (m *Memory) AddRAM(addr, size uint64, prot gpa.Prot, trackDirty bool) (*Region, error) {
	if addr&gpa.PageMask != 0 || size == 0 || size&gpa.PageMask != 0 {
		return nil, fmt.Errorf("guestmem: ram %#x+%#x is not page aligned", addr, size)
	}
	mem, err := allocate(size)
	if err != nil {
		return nil, fmt.Errorf("guestmem: allocate %#x bytes: %w", size, err)
	}
	r := &Region{GPA: addr, Size: size, Prot: prot, TrackDirty: trackDirty, mem: mem}
	if err := m.insert(r); err != nil {
		release(mem)
		return nil, err
	}
	m.log.Debug("guestmem: ram added", "gpa", fmt.Sprintf("%#x", addr), "size", size)
	return r, nil
}

// AddMMIO registers a hole whose pages are never mapped.
func (m *Memory) AddMMIO(addr, size uint64) (*Region, error) {
	if addr&gpa.PageMask != 0 || size == 0 || size&gpa.PageMask != 0 {
		return nil, fmt.Errorf("guestmem: mmio %#x+%#x is not page aligned", addr, size)
	}
	r := &Region{GPA: addr, Size: size}
	if err := m.insert(r); err != nil {
		return nil, err
	}
	return r, nil
}

func (m *Memory) insert(r *Region) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.regions {
		if r.GPA < existing.GPA+existing.Size && existing.GPA < r.GPA+r.Size {
			return fmt.Errorf("%w: %#x+%#x and %#x+%#x", ErrOverlap, r.GPA, r.Size, existing.GPA, existing.Size)
		}
	}
	m.regions = append(m.regions, r)
	sort.Slice(m.regions, func(i, j int) bool { return m.regions[i].GPA < m.regions[j].GPA })

	// Pages touched before the region existed pick up the new backing. They
	// are Unmapped, since nothing could be mapped without backing.
	for page := r.GPA; page < r.GPA+r.Size; page += gpa.PageSize {
		if slot, ok := m.pages[page]; ok {
			slot.mu.Lock()
			slot.entry.Info = r.infoFor(page)
			slot.entry.TrackDirty = r.TrackDirty
			slot.mu.Unlock()
		}
	}
	return nil
}

// Remove unregisters the region starting at addr. Every page of it must have
// been returned to Unmapped first, normally with gpa.Machine.ResetRange.
func (m *Memory) Remove(addr uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := -1
	for i, r := range m.regions {
		if r.GPA == addr {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %#x", ErrNoRegion, addr)
	}
	r := m.regions[idx]

	for page := r.GPA; page < r.GPA+r.Size; page += gpa.PageSize {
		slot, ok := m.pages[page]
		if !ok {
			continue
		}
		slot.mu.Lock()
		mapped := slot.entry.State != gpa.Unmapped
		slot.mu.Unlock()
		if mapped {
			return fmt.Errorf("%w: %#x", ErrPageMapped, page)
		}
	}
	for page := r.GPA; page < r.GPA+r.Size; page += gpa.PageSize {
		delete(m.pages, page)
	}

	m.regions = append(m.regions[:idx], m.regions[idx+1:]...)
	if r.mem != nil {
		if err := release(r.mem); err != nil {
			return fmt.Errorf("guestmem: release %#x: %w", addr, err)
		}
		r.mem = nil
	}
	return nil
}

// Protect changes the protection of a RAM region. The caller reports the
// change to gpa.Machine.PageChanged for pages it may have mapped.
func (m *Memory) Protect(addr uint64, prot gpa.Prot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.regions {
		if r.GPA == addr {
			r.Prot = prot
			return nil
		}
	}
	return fmt.Errorf("%w: %#x", ErrNoRegion, addr)
}

// PageInfo returns the current backing and protection of the page at addr.
func (m *Memory) PageInfo(addr uint64) gpa.PageInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r := m.regionLocked(addr); r != nil {
		return r.infoFor(addr &^ gpa.PageMask)
	}
	return gpa.PageInfo{}
}

func (r *Region) infoFor(page uint64) gpa.PageInfo {
	if r.mem == nil {
		return gpa.PageInfo{}
	}
	off := page - r.GPA
	return gpa.PageInfo{
		Backing: r.mem[off : off+gpa.PageSize : off+gpa.PageSize],
		Prot:    r.Prot,
	}
}

func (m *Memory) regionLocked(addr uint64) *Region {
	i := sort.Search(len(m.regions), func(i int) bool {
		return m.regions[i].GPA+m.regions[i].Size > addr
	})
	if i < len(m.regions) && m.regions[i].contains(addr) {
		return m.regions[i]
	}
	return nil
}

// WithPage implements gpa.MemoryManager. Entries are created on first touch.
func (m *Memory) WithPage(addr uint64, fn func(e *gpa.PageEntry) error) error {
	page := addr &^ gpa.PageMask

	m.mu.RLock()
	slot, ok := m.pages[page]
	m.mu.RUnlock()

	if !ok {
		m.mu.Lock()
		slot, ok = m.pages[page]
		if !ok {
			slot = &pageSlot{}
			if r := m.regionLocked(page); r != nil {
				slot.entry.Info = r.infoFor(page)
				slot.entry.TrackDirty = r.TrackDirty
			}
			m.pages[page] = slot
		}
		m.mu.Unlock()
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()
	return fn(&slot.entry)
}

// ReadAt copies guest RAM at guest-physical address off into p.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	return m.access(p, off, false)
}

// WriteAt copies p into guest RAM at guest-physical address off.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	return m.access(p, off, true)
}

func (m *Memory) access(p []byte, off int64, write bool) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset", ErrOutOfBounds)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	done := 0
	for done < len(p) {
		addr := uint64(off) + uint64(done)
		r := m.regionLocked(addr)
		if r == nil || r.mem == nil {
			return done, fmt.Errorf("%w: %#x", ErrOutOfBounds, addr)
		}
		start := addr - r.GPA
		var n int
		if write {
			n = copy(r.mem[start:], p[done:])
		} else {
			n = copy(p[done:], r.mem[start:])
		}
		done += n
	}
	return done, nil
}

// Regions returns the registered regions ordered by address.
func (m *Memory) Regions() []*Region {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Region(nil), m.regions...)
}

// PagingModeChanged implements statesync.PagingObserver.
func (m *Memory) PagingModeChanged(cr0, cr4, efer uint64) error {
	m.pagingModeChanges.Add(1)
	m.log.Debug("guestmem: paging mode changed",
		"cr0", fmt.Sprintf("%#x", cr0), "cr4", fmt.Sprintf("%#x", cr4), "efer", fmt.Sprintf("%#x", efer))
	return nil
}

// PagingRootChanged implements statesync.PagingObserver.
func (m *Memory) PagingRootChanged(cr3 uint64) error {
	m.pagingRootChanges.Add(1)
	m.log.Debug("guestmem: paging root changed", "cr3", fmt.Sprintf("%#x", cr3))
	return nil
}

// PagingChanges reports how many mode and root notifications arrived.
func (m *Memory) PagingChanges() (mode, root uint64) {
	return m.pagingModeChanges.Load(), m.pagingRootChanges.Load()
}

// Close releases every region's host memory.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for _, r := range m.regions {
		if r.mem != nil {
			if err := release(r.mem); err != nil {
				errs = append(errs, fmt.Errorf("guestmem: release %#x: %w", r.GPA, err))
			}
			r.mem = nil
		}
	}
	m.regions = nil
	m.pages = make(map[uint64]*pageSlot)
	return errors.Join(errs...)
}
