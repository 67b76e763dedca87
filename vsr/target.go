package vsr

import "fmt"

// Target is a canonical checkpoint the replica intends to install. It is
// only ever constructed by promoting a TargetCandidate that a quorum of
// peers advertises.
type Target struct {
	CheckpointID Checksum128
	CheckpointOp uint64
}

// TargetCandidate is a checkpoint advertised by a single peer. It is
// structurally a Target but deliberately a distinct type: code that
// installs checkpoints must never consume a candidate directly.
type TargetCandidate struct {
	CheckpointID Checksum128
	CheckpointOp uint64
}

// Canonical promotes the candidate. This is the only bridge between the
// two types; callers must hold a quorum of matching advertisements.
func (c TargetCandidate) Canonical() Target {
	return Target{
		CheckpointID: c.CheckpointID,
		CheckpointOp: c.CheckpointOp,
	}
}

// TargetQuorum tracks the most recent checkpoint each other replica has
// advertised, one slot per replica so a chatty peer holds at most one
// vote. It is created empty at process start and lives for the lifetime
// of the replica.
type TargetQuorum struct {
	slots []*TargetCandidate
}

func NewTargetQuorum(slots int) *TargetQuorum {
	if slots < 1 {
		panic(fmt.Sprintf("vsr: target quorum: invalid slot count %d", slots))
	}
	return &TargetQuorum{slots: make([]*TargetCandidate, slots)}
}

func (q *TargetQuorum) Slots() int { return len(q.slots) }

// Replace records candidate as replicaIndex's latest advertisement.
// A candidate older in op number than the stored one is a stale
// advertisement and is rejected; an exact duplicate is a no-op. A
// candidate with the same op but a different id overwrites: the peer has
// diverged or corrected itself, and the count must reflect its current
// claim. Safety comes from requiring a full quorum of matching (op, id)
// pairs before promotion, not from this table.
func (q *TargetQuorum) Replace(replicaIndex int, candidate TargetCandidate) bool {
	if replicaIndex < 0 || replicaIndex >= len(q.slots) {
		panic(fmt.Sprintf("vsr: target quorum: replica index %d out of range [0,%d)", replicaIndex, len(q.slots)))
	}
	existing := q.slots[replicaIndex]
	if existing != nil {
		if candidate.CheckpointOp < existing.CheckpointOp {
			return false
		}
		if candidate.CheckpointOp == existing.CheckpointOp &&
			candidate.CheckpointID == existing.CheckpointID {
			return false
		}
	}
	stored := candidate
	q.slots[replicaIndex] = &stored
	return true
}

// Count reports how many replicas currently advertise exactly candidate.
func (q *TargetQuorum) Count(candidate TargetCandidate) int {
	n := 0
	for _, slot := range q.slots {
		if slot == nil {
			continue
		}
		if slot.CheckpointOp == candidate.CheckpointOp &&
			slot.CheckpointID == candidate.CheckpointID {
			n++
		}
	}
	return n
}
