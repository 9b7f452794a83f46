package core

import (
	"fmt"
	"sort"
)

// Partitions checked while replaying the event log.
const globalPartition = "global"

func auctionPartition(id uint64) string {
	return fmt.Sprintf("auction:%d", id)
}

// SequenceValidator checks that replayed sequences are contiguous per
// partition: the global event sequence and each auction's bid sequence.
// Not thread-safe; the engine lock serializes access.
type SequenceValidator struct {
	expectedNextSeq map[string]int64
	gaps            map[string]int64
	stale           map[string]int64
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		gaps:            make(map[string]int64),
		stale:           make(map[string]int64),
	}
}

// ValidateSequence accepts seq only if it is the next one for partition.
func (sv *SequenceValidator) ValidateSequence(partition string, seq int64) error {
	expected := sv.expectedNextSeq[partition]

	switch {
	case seq == expected:
		sv.expectedNextSeq[partition] = expected + 1
		return nil
	case seq < expected:
		sv.stale[partition]++
		return fmt.Errorf("stale sequence: partition=%s, expected=%d, got=%d", partition, expected, seq)
	default:
		sv.gaps[partition]++
		return fmt.Errorf("sequence gap: partition=%s, expected=%d, got=%d", partition, expected, seq)
	}
}

// GetExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// SetExpectedSequence initializes expected sequence (used during recovery)
func (sv *SequenceValidator) SetExpectedSequence(partition string, seq int64) {
	sv.expectedNextSeq[partition] = seq
}

// Partitions lists known partitions in sorted order.
func (sv *SequenceValidator) Partitions() []string {
	out := make([]string, 0, len(sv.expectedNextSeq))
	for p := range sv.expectedNextSeq {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (sv *SequenceValidator) GetGaps(partition string) int64 {
	return sv.gaps[partition]
}

func (sv *SequenceValidator) GetStale(partition string) int64 {
	return sv.stale[partition]
}
