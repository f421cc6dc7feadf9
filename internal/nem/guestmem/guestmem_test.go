package guestmem

import (
	"bytes"
	"errors"
	"testing"

	"github.com/tinyrange/nem/internal/nem/gpa"
)

func TestAddRAMRejectsOverlap(t *testing.T) {
	m := New(nil)
	defer m.Close()

	if _, err := m.AddRAM(0, 0x10000, gpa.ProtRWX, false); err != nil {
		t.Fatalf("AddRAM: %v", err)
	}
	if _, err := m.AddRAM(0x8000, 0x10000, gpa.ProtRWX, false); !errors.Is(err, ErrOverlap) {
		t.Fatalf("overlapping AddRAM = %v", err)
	}
	if _, err := m.AddMMIO(0x10001, 0x1000); err == nil {
		t.Fatalf("unaligned AddMMIO succeeded")
	}
}

func TestReadWriteAcrossRegions(t *testing.T) {
	m := New(nil)
	defer m.Close()
	m.AddRAM(0, 0x1000, gpa.ProtRWX, false)
	m.AddRAM(0x1000, 0x1000, gpa.ProtRWX, false)

	data := []byte("spans two regions")
	if _, err := m.WriteAt(data, 0xff8); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got := make([]byte, len(data))
	if _, err := m.ReadAt(got, 0xff8); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("read %q", got)
	}
	if _, err := m.ReadAt(got, 0x1ffc); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("read past RAM = %v", err)
	}
}

func TestWithPageCreatesEntryOnFirstTouch(t *testing.T) {
	m := New(nil)
	defer m.Close()
	r, _ := m.AddRAM(0x4000, 0x2000, gpa.ProtRW, true)

	var info gpa.PageInfo
	var track bool
	m.WithPage(0x5123, func(e *gpa.PageEntry) error {
		info = e.Info
		track = e.TrackDirty
		return nil
	})
	if len(info.Backing) != gpa.PageSize || &info.Backing[0] != &r.Bytes()[0x1000] {
		t.Fatalf("backing does not point into region")
	}
	if info.Prot != gpa.ProtRW || !track {
		t.Fatalf("info = %+v track=%v", info, track)
	}
}

func TestLateRegionUpdatesTouchedPages(t *testing.T) {
	m := New(nil)
	defer m.Close()

	m.WithPage(0x3000, func(e *gpa.PageEntry) error { return nil })
	m.AddRAM(0x3000, 0x1000, gpa.ProtRWX, false)

	m.WithPage(0x3000, func(e *gpa.PageEntry) error {
		if e.Info.Backing == nil {
			t.Errorf("touched page did not pick up backing")
		}
		return nil
	})
}

func TestRemoveRequiresUnmappedPages(t *testing.T) {
	m := New(nil)
	defer m.Close()
	m.AddRAM(0, 0x2000, gpa.ProtRWX, false)

	m.WithPage(0x1000, func(e *gpa.PageEntry) error {
		e.State = gpa.Readable
		return nil
	})
	if err := m.Remove(0); !errors.Is(err, ErrPageMapped) {
		t.Fatalf("Remove with mapped page = %v", err)
	}
	m.WithPage(0x1000, func(e *gpa.PageEntry) error {
		e.State = gpa.Unmapped
		return nil
	})
	if err := m.Remove(0); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if len(m.Regions()) != 0 {
		t.Fatalf("region still registered")
	}
	if info := m.PageInfo(0x1000); info.Backing != nil {
		t.Fatalf("removed page still backed")
	}
}

func TestPagingNotifications(t *testing.T) {
	m := New(nil)
	m.PagingModeChanged(0x80000011, 0x20, 0x500)
	m.PagingRootChanged(0x1000)
	m.PagingRootChanged(0x2000)
	if mode, root := m.PagingChanges(); mode != 1 || root != 2 {
		t.Fatalf("changes = %d, %d", mode, root)
	}
}
