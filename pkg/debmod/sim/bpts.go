package sim

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hexrpc/dbgsrv/service/api"
)

func (m *Module) IsOkBpt(typ api.BptType, ea uint64, size int) api.BptCode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isOkBptLocked(typ, ea, size)
}

func (m *Module) isOkBptLocked(typ api.BptType, ea uint64, size int) api.BptCode {
	if m.findRegionLocked(ea) == nil {
		return api.BptBadAddr
	}
	if typ == api.BptSoft || typ == api.BptDefault {
		return api.BptOK
	}
	switch typ {
	case api.BptWrite, api.BptRead, api.BptRdWr, api.BptExec:
	default:
		return api.BptBadType
	}
	switch size {
	case 1, 2, 4, 8:
	default:
		return api.BptBadLen
	}
	if ea%uint64(size) != 0 {
		return api.BptBadAlign
	}
	hw := 0
	for _, b := range m.bpts {
		if b.typ != api.BptSoft && b.typ != api.BptDefault {
			hw++
		}
	}
	if hw >= maxHwBpts {
		return api.BptTooMany
	}
	return api.BptOK
}

// UpdateBpts installs software breakpoints by patching a trap instruction
// into memory. Hardware breakpoints are only recorded.
func (m *Module) UpdateBpts(bpts []api.UpdateBptInfo, nadd int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PID() == 0 {
		return 0, api.NewError(api.DrcNoProc, "no process")
	}
	n := 0
	for i := range bpts {
		b := &bpts[i]
		if i < nadd {
			b.Code = m.addBptLocked(b)
		} else {
			b.Code = m.delBptLocked(b)
		}
		if b.Code == api.BptOK {
			n++
		}
	}
	return n, nil
}

func (m *Module) addBptLocked(b *api.UpdateBptInfo) api.BptCode {
	if _, dup := m.bpts[b.EA]; dup {
		return api.BptSkip
	}
	code := m.isOkBptLocked(b.Type, b.EA, b.Size)
	if code != api.BptOK {
		return code
	}
	nb := &bpt{typ: b.Type, size: b.Size}
	if b.Type == api.BptSoft || b.Type == api.BptDefault {
		org, err := m.readLocked(b.EA, 1)
		if err != nil {
			return api.BptBadAddr
		}
		if _, err := m.writeLocked(b.EA, []byte{trapOpcode}); err != nil {
			return api.BptReadOnly
		}
		nb.orgbytes = org
		b.OrgBytes = org
	}
	m.bpts[b.EA] = nb
	return api.BptOK
}

func (m *Module) delBptLocked(b *api.UpdateBptInfo) api.BptCode {
	nb := m.bpts[b.EA]
	if nb == nil {
		return api.BptBadAddr
	}
	if len(b.OrgBytes) > 0 {
		m.writeLocked(b.EA, b.OrgBytes)
		nb.orgbytes = nil
	}
	m.removeBptLocked(b.EA)
	return api.BptOK
}

func (m *Module) removeBptLocked(ea uint64) {
	if nb := m.bpts[ea]; nb != nil && len(nb.orgbytes) > 0 {
		m.writeLocked(ea, nb.orgbytes)
	}
	delete(m.bpts, ea)
}

func (m *Module) UpdateLowcnds(lcs []api.LowCnd) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, lc := range lcs {
		if lc.Cndbody == "" {
			delete(m.lowcnds, lc.EA)
			continue
		}
		if _, _, _, err := parseCondition(lc.Cndbody); err != nil {
			return i, api.NewError(api.DrcFailed, "%#x: %v", lc.EA, err)
		}
		m.lowcnds[lc.EA] = lc
	}
	return len(lcs), nil
}

// EvalLowcnd evaluates the condition installed at ea for thread tid.
// Conditions have the form "<register> <op> <number>". A false condition
// is reported as DrcFailed.
func (m *Module) EvalLowcnd(tid int, ea uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	lc, ok := m.lowcnds[ea]
	if !ok {
		return api.NewError(api.DrcFailed, "no condition at %#x", ea)
	}
	th, err := m.threadLocked(tid)
	if err != nil {
		return err
	}
	reg, op, val, err := parseCondition(lc.Cndbody)
	if err != nil {
		return api.NewError(api.DrcError, "%v", err)
	}
	v := th.regs[reg].Ival
	var r bool
	switch op {
	case "==":
		r = v == val
	case "!=":
		r = v != val
	case "<":
		r = v < val
	case "<=":
		r = v <= val
	case ">":
		r = v > val
	case ">=":
		r = v >= val
	}
	if !r {
		return &api.DebugError{Code: api.DrcFailed}
	}
	return nil
}

func parseCondition(s string) (reg int, op string, val uint64, err error) {
	f := strings.Fields(s)
	if len(f) != 3 {
		return 0, "", 0, fmt.Errorf("malformed condition %q", s)
	}
	reg = registerIndex(f[0])
	if reg < 0 {
		return 0, "", 0, fmt.Errorf("unknown register %q", f[0])
	}
	switch f[1] {
	case "==", "!=", "<", "<=", ">", ">=":
	default:
		return 0, "", 0, fmt.Errorf("unknown operator %q", f[1])
	}
	val, err = strconv.ParseUint(f[2], 0, 64)
	if err != nil {
		return 0, "", 0, fmt.Errorf("malformed number %q", f[2])
	}
	return reg, f[1], val, nil
}
