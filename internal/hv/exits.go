package hv

import "fmt"

type ExitKind uint8

const (
	ExitKindInvalid ExitKind = iota
	ExitKindMemoryAccess
	ExitKindIOPort
	ExitKindCPUID
	ExitKindMSR
	ExitKindException
	ExitKindInterruptWindow
	ExitKindUnrecoverable
	ExitKindApicEOI
	ExitKindApicInitSipi
	ExitKindHalt
	ExitKindUnsupported

	ExitKindCount
)

var exitKindNames = [ExitKindCount]string{
	ExitKindInvalid:         "invalid",
	ExitKindMemoryAccess:    "memory_access",
	ExitKindIOPort:          "io_port",
	ExitKindCPUID:           "cpuid",
	ExitKindMSR:             "msr",
	ExitKindException:       "exception",
	ExitKindInterruptWindow: "interrupt_window",
	ExitKindUnrecoverable:   "unrecoverable_exception",
	ExitKindApicEOI:         "apic_eoi",
	ExitKindApicInitSipi:    "apic_init_sipi",
	ExitKindHalt:            "halt",
	ExitKindUnsupported:     "unsupported_feature",
}

func (k ExitKind) String() string {
	if k < ExitKindCount {
		return exitKindNames[k]
	}
	return fmt.Sprintf("ExitKind(%d)", uint8(k))
}

// ExitHeader is the state every exit reports regardless of its kind.
type ExitHeader struct {
	CPL                 uint8
	InstructionLength   uint8
	InterruptShadow     bool
	InterruptionPending bool
	Cr8                 uint8
	Cs                  SegmentValue
	Rip                 uint64
	Rflags              uint64
}

// ExitContext is one forced return from guest execution. Each exit kind has
// exactly one concrete type carrying only the fields that kind reports.
type ExitContext interface {
	Kind() ExitKind
	Header() *ExitHeader
}

// AccessType is the kind of access that faulted.
type AccessType uint8

const (
	AccessRead AccessType = iota
	AccessWrite
	AccessExecute
)

func (a AccessType) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessExecute:
		return "execute"
	default:
		return fmt.Sprintf("AccessType(%d)", uint8(a))
	}
}

type ExitMemoryAccess struct {
	ExitHeader

	GPA         uint64
	GVA         uint64
	Access      AccessType
	GPAUnmapped bool

	InstructionBytes []byte
}

func (e *ExitMemoryAccess) Kind() ExitKind      { return ExitKindMemoryAccess }
func (e *ExitMemoryAccess) Header() *ExitHeader { return &e.ExitHeader }

type ExitIOPort struct {
	ExitHeader

	Port   uint16
	Size   uint8
	Write  bool
	String bool
	Rep    bool

	Rax uint64
	Rcx uint64
	Rsi uint64
	Rdi uint64
	Ds  SegmentValue
	Es  SegmentValue

	InstructionBytes []byte
}

func (e *ExitIOPort) Kind() ExitKind      { return ExitKindIOPort }
func (e *ExitIOPort) Header() *ExitHeader { return &e.ExitHeader }

type ExitCPUID struct {
	ExitHeader

	Rax uint64
	Rcx uint64
	Rdx uint64
	Rbx uint64

	DefaultRax uint64
	DefaultRcx uint64
	DefaultRdx uint64
	DefaultRbx uint64
}

func (e *ExitCPUID) Kind() ExitKind      { return ExitKindCPUID }
func (e *ExitCPUID) Header() *ExitHeader { return &e.ExitHeader }

type ExitMSR struct {
	ExitHeader

	Msr   uint32
	Write bool
	Rax   uint64
	Rdx   uint64
}

func (e *ExitMSR) Kind() ExitKind      { return ExitKindMSR }
func (e *ExitMSR) Header() *ExitHeader { return &e.ExitHeader }

// Architectural exception vectors that can be intercepted.
const (
	VectorDE  uint8 = 0
	VectorDB  uint8 = 1
	VectorNMI uint8 = 2
	VectorBP  uint8 = 3
	VectorUD  uint8 = 6
	VectorDF  uint8 = 8
	VectorGP  uint8 = 13
	VectorPF  uint8 = 14
)

type ExitException struct {
	ExitHeader

	Vector       uint8
	HasErrorCode bool
	ErrorCode    uint32
	Parameter    uint64

	InstructionBytes []byte
}

func (e *ExitException) Kind() ExitKind      { return ExitKindException }
func (e *ExitException) Header() *ExitHeader { return &e.ExitHeader }

// WindowType names the class of interrupt that became deliverable.
type WindowType uint8

const (
	WindowInterrupt WindowType = iota
	WindowNMI
)

type ExitInterruptWindow struct {
	ExitHeader

	Type WindowType
}

func (e *ExitInterruptWindow) Kind() ExitKind      { return ExitKindInterruptWindow }
func (e *ExitInterruptWindow) Header() *ExitHeader { return &e.ExitHeader }

type ExitUnrecoverable struct {
	ExitHeader
}

func (e *ExitUnrecoverable) Kind() ExitKind      { return ExitKindUnrecoverable }
func (e *ExitUnrecoverable) Header() *ExitHeader { return &e.ExitHeader }

type ExitApicEOI struct {
	ExitHeader

	Vector uint8
}

func (e *ExitApicEOI) Kind() ExitKind      { return ExitKindApicEOI }
func (e *ExitApicEOI) Header() *ExitHeader { return &e.ExitHeader }

type ExitApicInitSipi struct {
	ExitHeader

	ICR uint64
}

func (e *ExitApicInitSipi) Kind() ExitKind      { return ExitKindApicInitSipi }
func (e *ExitApicInitSipi) Header() *ExitHeader { return &e.ExitHeader }

type ExitHalt struct {
	ExitHeader
}

func (e *ExitHalt) Kind() ExitKind      { return ExitKindHalt }
func (e *ExitHalt) Header() *ExitHeader { return &e.ExitHeader }

type ExitUnsupported struct {
	ExitHeader

	Feature   uint32
	Parameter uint64
}

func (e *ExitUnsupported) Kind() ExitKind      { return ExitKindUnsupported }
func (e *ExitUnsupported) Header() *ExitHeader { return &e.ExitHeader }

var (
	_ ExitContext = &ExitMemoryAccess{}
	_ ExitContext = &ExitIOPort{}
	_ ExitContext = &ExitCPUID{}
	_ ExitContext = &ExitMSR{}
	_ ExitContext = &ExitException{}
	_ ExitContext = &ExitInterruptWindow{}
	_ ExitContext = &ExitUnrecoverable{}
	_ ExitContext = &ExitApicEOI{}
	_ ExitContext = &ExitApicInitSipi{}
	_ ExitContext = &ExitHalt{}
	_ ExitContext = &ExitUnsupported{}
)
