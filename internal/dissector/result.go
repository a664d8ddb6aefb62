package dissector

import "firestige.xyz/dissect/internal/reassembly"

// OneMoreSegment asks the transport for one more segment when the PDU length is
// not known yet.
const OneMoreSegment = reassembly.OneMoreSegment

type resultKind uint8

const (
	resultAccept resultKind = iota
	resultReject
	resultNeedMore
)

// Result is what a dissector reports back to its caller.
type Result struct {
	kind   resultKind
	n      int
	offset int
}

// Accept reports that n bytes were consumed.
func Accept(n int) Result { return Result{kind: resultAccept, n: n} }

// Reject reports that the data was not recognised; heuristics and tables fall
// through to the next candidate.
func Reject() Result { return Result{kind: resultReject} }

// NeedMore asks the transport for n more bytes for the PDU starting at offset,
// or OneMoreSegment when the size is unknown.
func NeedMore(offset, n int) Result { return Result{kind: resultNeedMore, offset: offset, n: n} }

func (r Result) Accepted() bool  { return r.kind == resultAccept }
func (r Result) Rejected() bool  { return r.kind == resultReject }
func (r Result) NeedsMore() bool { return r.kind == resultNeedMore }

// Consumed returns the byte count of an accepted result.
func (r Result) Consumed() int {
	if r.kind != resultAccept {
		return 0
	}
	return r.n
}

// Verdict converts the result for stream desegmentation.
func (r Result) Verdict() reassembly.Verdict {
	switch r.kind {
	case resultNeedMore:
		return reassembly.Verdict{NeedMore: true, Offset: r.offset, More: r.n}
	case resultAccept:
		return reassembly.Verdict{Consumed: r.n}
	}
	return reassembly.Verdict{}
}

func (r Result) String() string {
	switch r.kind {
	case resultReject:
		return "reject"
	case resultNeedMore:
		return "need-more"
	}
	return "accept"
}
