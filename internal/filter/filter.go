// Package filter compiles capture filter expressions into classic BPF and
// evaluates them in user space for sources that cannot filter in the kernel.
package filter

import (
	"fmt"
	"strings"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"golang.org/x/net/bpf"

	"firestige.xyz/dissect/internal/core"
)

// Filter is a compiled capture filter. The zero expression matches everything.
type Filter struct {
	expr string
	raw  []bpf.RawInstruction
	vm   *bpf.VM
}

// Compile compiles a pcap-filter(7) expression for the given encapsulation.
func Compile(expr string, encap core.Encapsulation, snapLen int) (*Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return &Filter{}, nil
	}
	if snapLen <= 0 {
		snapLen = 65535
	}
	compiled, err := pcap.CompileBPFFilter(layers.LinkType(encap), snapLen, expr)
	if err != nil {
		return nil, fmt.Errorf("failed to compile BPF filter %q: %w", expr, err)
	}

	raw := make([]bpf.RawInstruction, len(compiled))
	for i, ins := range compiled {
		raw[i] = bpf.RawInstruction{Op: ins.Code, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	f, err := FromInstructions(raw)
	if err != nil {
		return nil, err
	}
	f.expr = expr
	return f, nil
}

// FromInstructions builds a filter from already compiled instructions.
func FromInstructions(raw []bpf.RawInstruction) (*Filter, error) {
	if len(raw) == 0 {
		return &Filter{}, nil
	}
	insts, ok := bpf.Disassemble(raw)
	if !ok {
		return nil, fmt.Errorf("BPF program contains undecodable instructions: %w", core.ErrConfigInvalid)
	}
	vm, err := bpf.NewVM(insts)
	if err != nil {
		return nil, fmt.Errorf("invalid BPF program: %w", err)
	}
	return &Filter{raw: raw, vm: vm}, nil
}

// Match reports whether the frame passes the filter.
func (f *Filter) Match(data []byte) bool {
	if f == nil || f.vm == nil {
		return true
	}
	n, err := f.vm.Run(data)
	return err == nil && n > 0
}

// Empty reports whether the filter accepts every frame.
func (f *Filter) Empty() bool { return f == nil || f.vm == nil }

// Instructions returns the raw program, for attaching to a socket.
func (f *Filter) Instructions() []bpf.RawInstruction {
	if f == nil {
		return nil
	}
	return f.raw
}

func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.expr
}
