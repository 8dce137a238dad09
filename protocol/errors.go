package protocol

import (
	"fmt"
)

// malformed wire bytes. Fatal to the connection since framing may be desynchronized.
type DecodeError struct {
	Message string
	Offset  int
}

func NewDecodeError(offset int, format string, a ...any) *DecodeError {
	return &DecodeError{
		Message: fmt.Sprintf(format, a...),
		Offset:  offset,
	}
}

func (self *DecodeError) Error() string {
	return fmt.Sprintf("decode error at %d: %s", self.Offset, self.Message)
}

// a reference to a block that was never sent or was already evicted.
// Fatal to the current frame, recoverable with a full resend.
type MissingBlockError struct {
	Id BlockId
	// the block that holds the reference, nil for a root reference
	ParentId *BlockId
}

func (self *MissingBlockError) Error() string {
	if self.ParentId == nil {
		return fmt.Sprintf("missing block %s referenced from root", self.Id)
	}
	return fmt.Sprintf("missing block %s referenced from %s", self.Id, *self.ParentId)
}

type ViolationKind int

const (
	ViolationSequence        ViolationKind = 1
	ViolationGeneration      ViolationKind = 2
	ViolationEvictReferenced ViolationKind = 3
	ViolationReferenceCycle  ViolationKind = 4
	ViolationDuplicateBlock  ViolationKind = 5
)

func (self ViolationKind) String() string {
	switch self {
	case ViolationSequence:
		return "sequence"
	case ViolationGeneration:
		return "generation"
	case ViolationEvictReferenced:
		return "evict_referenced"
	case ViolationReferenceCycle:
		return "reference_cycle"
	case ViolationDuplicateBlock:
		return "duplicate_block"
	default:
		return fmt.Sprintf("violation(%d)", int(self))
	}
}

// the peers disagree about protocol state. Recovered by resynchronizing.
type ProtocolInvariantViolation struct {
	Kind    ViolationKind
	Ids     []BlockId
	Message string
}

func NewProtocolInvariantViolation(kind ViolationKind, ids []BlockId, format string, a ...any) *ProtocolInvariantViolation {
	return &ProtocolInvariantViolation{
		Kind:    kind,
		Ids:     ids,
		Message: fmt.Sprintf(format, a...),
	}
}

func (self *ProtocolInvariantViolation) Error() string {
	return fmt.Sprintf("protocol invariant violation (%s): %s", self.Kind, self.Message)
}
