package whp

import (
	"bytes"
	"testing"

	"github.com/tinyrange/nem/internal/hv"
)

func TestPendingInterruptionEncoding(t *testing.T) {
	tests := []struct {
		name string
		ev   hv.PendingEventValue
		want uint64
	}{
		{"none", hv.PendingEventValue{}, 0},
		{"gp", hv.PendingEventValue{Type: hv.PendingEventException, Vector: hv.VectorGP, HasErrorCode: true},
			1 | 3<<1 | 1<<4 | 13<<16},
		{"pf error code", hv.PendingEventValue{Type: hv.PendingEventException, Vector: hv.VectorPF, HasErrorCode: true, ErrorCode: 6},
			1 | 3<<1 | 1<<4 | 14<<16 | 6<<32},
		{"bp length", hv.PendingEventValue{Type: hv.PendingEventException, Vector: hv.VectorBP, InstructionLength: 1},
			1 | 3<<1 | 1<<5 | 3<<16},
		{"nmi", hv.PendingEventValue{Type: hv.PendingEventNMI, Vector: hv.VectorNMI}, 1 | 2<<1 | 2<<16},
		{"extint", hv.PendingEventValue{Type: hv.PendingEventExtInt, Vector: 0x30}, 1 | 0x30<<16},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := encodePendingInterruption(tt.ev)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			if got != tt.want {
				t.Fatalf("encode = %#x, want %#x", got, tt.want)
			}
			if back := decodePendingInterruption(got); back != tt.ev {
				t.Fatalf("decode = %+v, want %+v", back, tt.ev)
			}
		})
	}

	if _, err := encodePendingInterruption(hv.PendingEventValue{Type: 9}); err == nil {
		t.Fatalf("unknown event type encoded")
	}
}

func TestDeliverability(t *testing.T) {
	d := hv.DeliverabilityValue{Interrupt: true, Priority: 5}
	if v := encodeDeliverability(d); v != 1<<1|5<<2 {
		t.Fatalf("encode = %#x", v)
	}
	if v := encodeDeliverability(hv.DeliverabilityValue{NMI: true, Priority: 5}); v != 1 {
		t.Fatalf("priority leaked without interrupt request: %#x", v)
	}
	if back := decodeDeliverability(encodeDeliverability(d)); back != d {
		t.Fatalf("decode = %+v", back)
	}
}

func TestDecodeHeader(t *testing.T) {
	h := decodeHeader(3|1<<6|1<<12, 0xa3)
	if h.CPL != 3 || !h.InterruptionPending || !h.InterruptShadow {
		t.Fatalf("state = %+v", h)
	}
	if h.InstructionLength != 3 || h.Cr8 != 0xa {
		t.Fatalf("length/cr8 = %d/%d", h.InstructionLength, h.Cr8)
	}
	if h := decodeHeader(0, 0); h.CPL != 0 || h.InterruptShadow {
		t.Fatalf("zero state = %+v", h)
	}
}

func TestDecodeAccessInfo(t *testing.T) {
	if access, unmapped := decodeMemoryAccess(1 | 1<<2); access != hv.AccessWrite || !unmapped {
		t.Fatalf("memory = %s, %v", access, unmapped)
	}
	if access, _ := decodeMemoryAccess(2); access != hv.AccessExecute {
		t.Fatalf("execute = %s", access)
	}

	io := decodeIOAccess(1 | 4<<1 | 1<<4 | 1<<5)
	if !io.write || io.size != 4 || !io.string || !io.rep {
		t.Fatalf("io = %+v", io)
	}
	io = decodeIOAccess(1 << 1)
	if io.write || io.size != 1 || io.string || io.rep {
		t.Fatalf("io in = %+v", io)
	}
}

func TestInstructionBytes(t *testing.T) {
	var raw [16]byte
	copy(raw[:], []byte{0x0f, 0x01, 0xc1})
	if got := instructionBytes(3, raw); !bytes.Equal(got, []byte{0x0f, 0x01, 0xc1}) {
		t.Fatalf("bytes = % x", got)
	}
	if got := instructionBytes(0, raw); got != nil {
		t.Fatalf("empty = % x", got)
	}
	if got := instructionBytes(40, raw); len(got) != 16 {
		t.Fatalf("oversized count gave %d bytes", len(got))
	}
}

func TestExceptionBitmapAndFlags(t *testing.T) {
	if bm := interceptedVectors(false); bm != 1<<1|1<<3|1<<6 {
		t.Fatalf("bitmap = %#x", bm)
	}
	if bm := interceptedVectors(true); bm&(1<<13) == 0 {
		t.Fatalf("#GP not intercepted: %#x", bm)
	}
	if f := mapFlags(hv.MapRead | hv.MapExecute | hv.MapTrackDirty); f != 0x1|0x4|0x8 {
		t.Fatalf("flags = %#x", f)
	}
	if windowType(2) != hv.WindowNMI || windowType(0) != hv.WindowInterrupt {
		t.Fatalf("window type mapping")
	}
}
