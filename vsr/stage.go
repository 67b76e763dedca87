package vsr

import "fmt"

// StageTag discriminates the sync lifecycle states.
type StageTag uint8

const (
	StageNotSyncing StageTag = iota
	StageCancellingCommit
	StageCancellingGrid
	StageRequestingTarget
	StageRequestTrailers
	StageUpdatingSuperblock
)

func (t StageTag) String() string {
	switch t {
	case StageNotSyncing:
		return "not_syncing"
	case StageCancellingCommit:
		return "cancelling_commit"
	case StageCancellingGrid:
		return "cancelling_grid"
	case StageRequestingTarget:
		return "requesting_target"
	case StageRequestTrailers:
		return "request_trailers"
	case StageUpdatingSuperblock:
		return "updating_superblock"
	default:
		return fmt.Sprintf("stage(%d)", uint8(t))
	}
}

// Stage is the sync lifecycle as a tagged variant: each state is its own
// type carrying exactly its own payload, so fields that only exist in
// later states are unreachable in earlier ones.
type Stage interface {
	Tag() StageTag
	isStage()
}

// NotSyncing is the steady state.
type NotSyncing struct{}

// CancellingCommit waits for the commit pipeline to become interruptible
// so it can be aborted.
type CancellingCommit struct{}

// CancellingGrid waits for outstanding grid I/O to quiesce.
type CancellingGrid struct{}

// RequestingTarget polls peers for a canonical checkpoint to install.
type RequestingTarget struct{}

// TrailerFetch couples one in-progress trailer assembler with the
// destination buffer the stage payload owns for it.
type TrailerFetch struct {
	Trailer Trailer
	Buffer  []byte
}

// WriteChunk drives the assembler against the payload-owned buffer, with
// the chunk's declared (size, checksum) as the destination identity.
func (f *TrailerFetch) WriteChunk(size uint64, checksum Checksum128, chunk TrailerChunk) ([]byte, error) {
	return f.Trailer.WriteChunk(TrailerDestination{
		Buffer:   f.Buffer,
		Size:     size,
		Checksum: checksum,
	}, chunk)
}

// Assembled returns the completed trailer bytes. Valid only once the
// assembler is done.
func (f *TrailerFetch) Assembled() []byte {
	size, _, ok := f.Trailer.Final()
	if !ok || !f.Trailer.Done() {
		panic("vsr: stage: assembled bytes requested before trailer done")
	}
	return f.Buffer[:size]
}

// RequestTrailers fetches the three trailers of the chosen target plus the
// two checkpoint-identity fields that arrive on terminating chunks.
// Invariants: FreeSet done implies PreviousCheckpointID is set;
// ClientSessions done implies CheckpointOpChecksum is set.
type RequestTrailers struct {
	Target Target

	Manifest       *TrailerFetch
	FreeSet        *TrailerFetch
	ClientSessions *TrailerFetch

	PreviousCheckpointID *Checksum128
	CheckpointOpChecksum *Checksum128
}

// Fetch selects the assembler for kind.
func (r *RequestTrailers) Fetch(kind TrailerKind) *TrailerFetch {
	switch kind {
	case TrailerManifest:
		return r.Manifest
	case TrailerFreeSet:
		return r.FreeSet
	case TrailerClientSessions:
		return r.ClientSessions
	default:
		panic(fmt.Sprintf("vsr: stage: unknown trailer kind %d", uint8(kind)))
	}
}

// UpdatingSuperblock has all three trailers assembled and the superblock
// write in flight.
type UpdatingSuperblock struct {
	Target               Target
	PreviousCheckpointID Checksum128
	CheckpointOpChecksum Checksum128
}

func (NotSyncing) Tag() StageTag          { return StageNotSyncing }
func (CancellingCommit) Tag() StageTag    { return StageCancellingCommit }
func (CancellingGrid) Tag() StageTag      { return StageCancellingGrid }
func (RequestingTarget) Tag() StageTag    { return StageRequestingTarget }
func (*RequestTrailers) Tag() StageTag    { return StageRequestTrailers }
func (*UpdatingSuperblock) Tag() StageTag { return StageUpdatingSuperblock }

func (NotSyncing) isStage()          {}
func (CancellingCommit) isStage()    {}
func (CancellingGrid) isStage()      {}
func (RequestingTarget) isStage()    {}
func (*RequestTrailers) isStage()    {}
func (*UpdatingSuperblock) isStage() {}

// ValidTransition is total over tag pairs and encodes the only legal
// lifecycle edges. Every stage write must be checked against it.
func ValidTransition(from, to StageTag) bool {
	switch from {
	case StageNotSyncing:
		return to == StageCancellingCommit ||
			to == StageCancellingGrid ||
			to == StageRequestingTarget
	case StageCancellingCommit:
		return to == StageCancellingGrid
	case StageCancellingGrid:
		return to == StageRequestingTarget
	case StageRequestingTarget:
		return to == StageRequestingTarget || to == StageRequestTrailers
	case StageRequestTrailers:
		return to == StageRequestTrailers || to == StageUpdatingSuperblock
	case StageUpdatingSuperblock:
		return to == StageRequestTrailers || to == StageNotSyncing
	default:
		return false
	}
}

// StageTarget yields the checkpoint being installed. It is the only read
// path external components use to learn the sync target; only
// request_trailers and updating_superblock carry one.
func StageTarget(s Stage) (Target, bool) {
	switch st := s.(type) {
	case *RequestTrailers:
		return st.Target, true
	case *UpdatingSuperblock:
		return st.Target, true
	default:
		return Target{}, false
	}
}
