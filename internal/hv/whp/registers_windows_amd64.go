//go:build windows && amd64

package whp

import (
	"fmt"

	"github.com/tinyrange/nem/internal/hv"
	"github.com/tinyrange/nem/internal/hv/whp/bindings"
)

var whpRegisterMap = map[hv.Register]bindings.RegisterName{
	hv.RegisterRax:    bindings.RegisterRax,
	hv.RegisterRcx:    bindings.RegisterRcx,
	hv.RegisterRdx:    bindings.RegisterRdx,
	hv.RegisterRbx:    bindings.RegisterRbx,
	hv.RegisterRsp:    bindings.RegisterRsp,
	hv.RegisterRbp:    bindings.RegisterRbp,
	hv.RegisterRsi:    bindings.RegisterRsi,
	hv.RegisterRdi:    bindings.RegisterRdi,
	hv.RegisterR8:     bindings.RegisterR8,
	hv.RegisterR9:     bindings.RegisterR9,
	hv.RegisterR10:    bindings.RegisterR10,
	hv.RegisterR11:    bindings.RegisterR11,
	hv.RegisterR12:    bindings.RegisterR12,
	hv.RegisterR13:    bindings.RegisterR13,
	hv.RegisterR14:    bindings.RegisterR14,
	hv.RegisterR15:    bindings.RegisterR15,
	hv.RegisterRip:    bindings.RegisterRip,
	hv.RegisterRflags: bindings.RegisterRflags,

	hv.RegisterEs:   bindings.RegisterEs,
	hv.RegisterCs:   bindings.RegisterCs,
	hv.RegisterSs:   bindings.RegisterSs,
	hv.RegisterDs:   bindings.RegisterDs,
	hv.RegisterFs:   bindings.RegisterFs,
	hv.RegisterGs:   bindings.RegisterGs,
	hv.RegisterLdtr: bindings.RegisterLdtr,
	hv.RegisterTr:   bindings.RegisterTr,
	hv.RegisterIdtr: bindings.RegisterIdtr,
	hv.RegisterGdtr: bindings.RegisterGdtr,

	hv.RegisterCr0: bindings.RegisterCr0,
	hv.RegisterCr2: bindings.RegisterCr2,
	hv.RegisterCr3: bindings.RegisterCr3,
	hv.RegisterCr4: bindings.RegisterCr4,
	hv.RegisterCr8: bindings.RegisterCr8,

	hv.RegisterDr0: bindings.RegisterDr0,
	hv.RegisterDr1: bindings.RegisterDr1,
	hv.RegisterDr2: bindings.RegisterDr2,
	hv.RegisterDr3: bindings.RegisterDr3,
	hv.RegisterDr6: bindings.RegisterDr6,
	hv.RegisterDr7: bindings.RegisterDr7,

	hv.RegisterEfer:         bindings.RegisterEfer,
	hv.RegisterKernelGsBase: bindings.RegisterKernelGsBase,
	hv.RegisterApicBase:     bindings.RegisterApicBase,
	hv.RegisterPat:          bindings.RegisterPat,
	hv.RegisterSysenterCs:   bindings.RegisterSysenterCs,
	hv.RegisterSysenterEip:  bindings.RegisterSysenterEip,
	hv.RegisterSysenterEsp:  bindings.RegisterSysenterEsp,
	hv.RegisterStar:         bindings.RegisterStar,
	hv.RegisterLstar:        bindings.RegisterLstar,
	hv.RegisterCstar:        bindings.RegisterCstar,
	hv.RegisterSfmask:       bindings.RegisterSfmask,
	hv.RegisterTscAux:       bindings.RegisterTscAux,

	hv.RegisterInterruptState:              bindings.RegisterInterruptState,
	hv.RegisterPendingEvent:                bindings.RegisterPendingInterruption,
	hv.RegisterDeliverabilityNotifications: bindings.RegisterDeliverabilityNotifications,
}

func registerNames(names []hv.Register) ([]bindings.RegisterName, error) {
	out := make([]bindings.RegisterName, len(names))
	for i, reg := range names {
		name, ok := whpRegisterMap[reg]
		if !ok {
			return nil, fmt.Errorf("whp: %w %s", hv.ErrUnsupportedRegister, reg)
		}
		out[i] = name
	}
	return out, nil
}

func toRegisterValue(reg hv.Register, v hv.RegisterValue) (bindings.RegisterValue, error) {
	var out bindings.RegisterValue
	switch val := v.(type) {
	case hv.Register64:
		out = bindings.Uint64RegisterValue(uint64(val))
	case hv.SegmentValue:
		*out.AsSegment() = bindings.X64SegmentRegister{
			Base:       val.Base,
			Limit:      val.Limit,
			Selector:   val.Selector,
			Attributes: val.Attributes,
		}
	case hv.TableValue:
		*out.AsTable() = bindings.X64TableRegister{Base: val.Base, Limit: val.Limit}
	case hv.PendingEventValue:
		raw, err := encodePendingInterruption(val)
		if err != nil {
			return out, err
		}
		out = bindings.Uint64RegisterValue(raw)
	case hv.DeliverabilityValue:
		out = bindings.Uint64RegisterValue(encodeDeliverability(val))
	default:
		return out, fmt.Errorf("whp: unsupported register value type %T for register %s", v, reg)
	}
	return out, nil
}

func fromRegisterValue(reg hv.Register, v *bindings.RegisterValue) hv.RegisterValue {
	switch reg {
	case hv.RegisterEs, hv.RegisterCs, hv.RegisterSs, hv.RegisterDs,
		hv.RegisterFs, hv.RegisterGs, hv.RegisterLdtr, hv.RegisterTr:
		seg := v.AsSegment()
		return hv.SegmentValue{
			Base:       seg.Base,
			Limit:      seg.Limit,
			Selector:   seg.Selector,
			Attributes: seg.Attributes,
		}
	case hv.RegisterIdtr, hv.RegisterGdtr:
		tbl := v.AsTable()
		return hv.TableValue{Base: tbl.Base, Limit: tbl.Limit}
	case hv.RegisterPendingEvent:
		return decodePendingInterruption(v.Low64)
	case hv.RegisterDeliverabilityNotifications:
		return decodeDeliverability(v.Low64)
	default:
		return hv.Register64(v.Low64)
	}
}
