package whp

import "log/slog"

// Options configures partitions created by the host.
type Options struct {
	// LocalApicEmulation lets the host emulate the local APIC and enables
	// the INIT/SIPI exit.
	LocalApicEmulation bool

	// InterceptGP adds #GP to the exception exit bitmap, which the VMware
	// backdoor needs. #DB, #BP and #UD are always intercepted.
	InterceptGP bool

	Log *slog.Logger
}
