package node

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"marlin.dev/replica/node/p2p"
	"marlin.dev/replica/node/store"
	"marlin.dev/replica/vsr"
)

// CommitPipeline is the commit/apply pipeline the syncer must quiesce
// before abandoning local progress. Cancellation completion is observed
// via Syncer.OnCommitCancelled.
type CommitPipeline interface {
	Interruptible() bool
	CancelCommit()
}

// Grid is the block-storage substrate. Cancellation completion is
// observed via Syncer.OnGridCancelled.
type Grid interface {
	Idle() bool
	CancelGrid()
}

// ChunkRequester issues outbound sync requests. The requester re-asks on
// its own schedule; the syncer carries no timeouts.
type ChunkRequester interface {
	RequestTarget()
	RequestChunk(t vsr.Target, trailer vsr.TrailerKind, offset uint64)
}

// SuperblockWriter installs a validated checkpoint. Completion is
// observed via Syncer.OnSuperblockWritten, carrying the update's target
// so abandoned writes can be told apart from the in-flight one.
type SuperblockWriter interface {
	WriteSuperblock(u store.SuperblockUpdate)
}

// Syncer drives the replica's checkpoint state-sync lifecycle. It runs
// inside the replica event loop: every method is a finite amount of work,
// the caller serializes all entry points, and there is no internal
// locking. Between events the syncer parks in its current Stage.
//
// Syncer implements p2p.SyncHandler; decoded sync messages feed it
// directly.
type Syncer struct {
	cfg    Config
	quorum *vsr.TargetQuorum
	stage  vsr.Stage

	commit     CommitPipeline
	grid       Grid
	requester  ChunkRequester
	superblock SuperblockWriter

	log *log.Entry
}

func NewSyncer(
	cfg Config,
	commit CommitPipeline,
	grid Grid,
	requester ChunkRequester,
	superblock SuperblockWriter,
	logger *log.Logger,
) (*Syncer, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	if cfg.TrailerSizeMax == 0 {
		cfg.TrailerSizeMax = TrailerSizeMax
	}
	if commit == nil {
		return nil, errors.New("node: syncer: nil commit pipeline")
	}
	if grid == nil {
		return nil, errors.New("node: syncer: nil grid")
	}
	if requester == nil {
		return nil, errors.New("node: syncer: nil chunk requester")
	}
	if superblock == nil {
		return nil, errors.New("node: syncer: nil superblock writer")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Syncer{
		cfg:        cfg,
		quorum:     vsr.NewTargetQuorum(cfg.ReplicaCount),
		stage:      vsr.NotSyncing{},
		commit:     commit,
		grid:       grid,
		requester:  requester,
		superblock: superblock,
		log:        logger.WithField("replica", cfg.ReplicaIndex),
	}, nil
}

func (s *Syncer) Stage() vsr.Stage { return s.stage }

// Target returns the checkpoint currently being installed, if any.
func (s *Syncer) Target() (vsr.Target, bool) { return vsr.StageTarget(s.stage) }

// setStage is the guarded assignment every lifecycle transition goes
// through. An illegal edge is a programming error and fail-stop.
func (s *Syncer) setStage(next vsr.Stage) {
	from, to := s.stage.Tag(), next.Tag()
	if !vsr.ValidTransition(from, to) {
		panic(fmt.Sprintf("node: syncer: illegal stage transition %s -> %s", from, to))
	}
	s.log.WithFields(log.Fields{"from": from.String(), "to": to.String()}).Info("sync stage transition")
	s.stage = next
}

// BeginSync starts a sync attempt from the steady state. The entry edge
// depends on what must quiesce first: an uninterruptible commit pipeline,
// outstanding grid I/O, or nothing.
func (s *Syncer) BeginSync() {
	if s.stage.Tag() != vsr.StageNotSyncing {
		s.log.WithField("stage", s.stage.Tag().String()).Debug("begin sync ignored: already syncing")
		return
	}
	switch {
	case !s.commit.Interruptible():
		s.setStage(vsr.CancellingCommit{})
		s.commit.CancelCommit()
	case !s.grid.Idle():
		s.setStage(vsr.CancellingGrid{})
		s.grid.CancelGrid()
	default:
		s.setStage(vsr.RequestingTarget{})
		s.requester.RequestTarget()
	}
}

// OnCommitCancelled observes commit-pipeline cancellation. Grid
// cancellation necessarily follows.
func (s *Syncer) OnCommitCancelled() {
	if s.stage.Tag() != vsr.StageCancellingCommit {
		s.log.WithField("stage", s.stage.Tag().String()).Debug("commit cancellation ignored")
		return
	}
	s.setStage(vsr.CancellingGrid{})
	s.grid.CancelGrid()
}

// OnGridCancelled observes grid quiescence; target polling begins.
func (s *Syncer) OnGridCancelled() {
	if s.stage.Tag() != vsr.StageCancellingGrid {
		s.log.WithField("stage", s.stage.Tag().String()).Debug("grid cancellation ignored")
		return
	}
	s.setStage(vsr.RequestingTarget{})
	s.requester.RequestTarget()
}

// PollTarget re-issues the target request while still polling.
func (s *Syncer) PollTarget() {
	if s.stage.Tag() != vsr.StageRequestingTarget {
		return
	}
	s.setStage(vsr.RequestingTarget{})
	s.requester.RequestTarget()
}

// OnTargetAdvert feeds a peer's advertisement into the quorum table and
// promotes the candidate once it crosses the quorum threshold.
func (s *Syncer) OnTargetAdvert(p *p2p.TargetAdvertPayload) error {
	peer := int(p.Replica)
	if peer >= s.quorum.Slots() || peer == s.cfg.ReplicaIndex {
		s.log.WithField("peer", peer).Debug("target advertisement ignored: bad replica index")
		return nil
	}
	candidate := vsr.TargetCandidate{
		CheckpointID: p.CheckpointID,
		CheckpointOp: p.CheckpointOp,
	}
	if !s.quorum.Replace(peer, candidate) {
		s.log.WithFields(log.Fields{
			"peer":          peer,
			"checkpoint_op": candidate.CheckpointOp,
		}).Debug("target advertisement ignored: stale or duplicate")
		return nil
	}
	if s.quorum.Count(candidate) < s.cfg.QuorumOrDefault() {
		return nil
	}
	s.maybePromote(candidate)
	return nil
}

// maybePromote installs a quorum-confirmed candidate as the sync target.
// Promotion is the single bridge from candidate to canonical, and the
// quorum count is re-checked here at the moment of use.
func (s *Syncer) maybePromote(candidate vsr.TargetCandidate) {
	if s.quorum.Count(candidate) < s.cfg.QuorumOrDefault() {
		return
	}
	target := candidate.Canonical()
	switch s.stage.Tag() {
	case vsr.StageRequestingTarget:
		s.enterRequestTrailers(target)
	case vsr.StageRequestTrailers, vsr.StageUpdatingSuperblock:
		current, _ := vsr.StageTarget(s.stage)
		if target.CheckpointOp <= current.CheckpointOp {
			return
		}
		// A fresher canonical target supersedes the one in flight. The
		// old trailers and any outstanding completions carry the old
		// target identity and are discarded on arrival.
		s.log.WithFields(log.Fields{
			"old_op": current.CheckpointOp,
			"new_op": target.CheckpointOp,
		}).Info("sync target superseded")
		s.enterRequestTrailers(target)
	default:
		// Not polling for a target; the table simply retains the vote.
	}
}

func (s *Syncer) enterRequestTrailers(target vsr.Target) {
	rt := &vsr.RequestTrailers{
		Target:         target,
		Manifest:       &vsr.TrailerFetch{Buffer: make([]byte, s.cfg.TrailerSizeMax)},
		FreeSet:        &vsr.TrailerFetch{Buffer: make([]byte, s.cfg.TrailerSizeMax)},
		ClientSessions: &vsr.TrailerFetch{Buffer: make([]byte, s.cfg.TrailerSizeMax)},
	}
	s.setStage(rt)
	s.RequestOutstandingChunks()
}

// RequestOutstandingChunks re-issues a chunk request at the next needed
// offset for every trailer not yet assembled.
func (s *Syncer) RequestOutstandingChunks() {
	rt, ok := s.stage.(*vsr.RequestTrailers)
	if !ok {
		return
	}
	for _, kind := range []vsr.TrailerKind{vsr.TrailerManifest, vsr.TrailerFreeSet, vsr.TrailerClientSessions} {
		fetch := rt.Fetch(kind)
		if fetch.Trailer.Done() {
			continue
		}
		s.requester.RequestChunk(rt.Target, kind, fetch.Trailer.NextOffset())
	}
}

func (s *Syncer) OnSyncManifest(p *p2p.SyncChunkPayload) error {
	return s.onChunk(vsr.TrailerManifest, p)
}

func (s *Syncer) OnSyncFreeSet(p *p2p.SyncChunkPayload) error {
	return s.onChunk(vsr.TrailerFreeSet, p)
}

func (s *Syncer) OnSyncClientSessions(p *p2p.SyncChunkPayload) error {
	return s.onChunk(vsr.TrailerClientSessions, p)
}

func (s *Syncer) onChunk(kind vsr.TrailerKind, p *p2p.SyncChunkPayload) error {
	rt, ok := s.stage.(*vsr.RequestTrailers)
	if !ok {
		s.log.WithField("trailer", kind.String()).Debug("sync chunk ignored: not fetching trailers")
		return nil
	}
	if p.Target != rt.Target {
		s.log.WithFields(log.Fields{
			"trailer":  kind.String(),
			"chunk_op": p.Target.CheckpointOp,
			"stage_op": rt.Target.CheckpointOp,
		}).Debug("sync chunk ignored: superseded target")
		return nil
	}
	fetch := rt.Fetch(kind)
	if p.TrailerSize > uint64(len(fetch.Buffer)) {
		s.log.WithFields(log.Fields{
			"trailer": kind.String(),
			"size":    p.TrailerSize,
		}).Debug("sync chunk ignored: trailer size exceeds bound")
		return nil
	}

	assembled, err := fetch.WriteChunk(p.TrailerSize, p.TrailerChecksum, vsr.TrailerChunk{
		Bytes:  p.Bytes,
		Offset: p.ChunkOffset,
	})
	if err != nil {
		s.abortAttempt(kind, err)
		return err
	}
	if assembled == nil {
		return nil
	}

	switch kind {
	case vsr.TrailerFreeSet:
		rt.PreviousCheckpointID = p.PreviousCheckpointID
	case vsr.TrailerClientSessions:
		rt.CheckpointOpChecksum = p.CheckpointOpChecksum
	}
	s.log.WithFields(log.Fields{
		"trailer": kind.String(),
		"size":    p.TrailerSize,
	}).Info("trailer assembled")

	s.maybeUpdateSuperblock(rt)
	return nil
}

// abortAttempt restarts the sync attempt after a chunk authentication
// failure: the chosen source is lying or corrupted, so all progress
// against the current target is abandoned and a target re-requested.
// This is a wholesale restart of the attempt, not a lifecycle edge, so
// the stage is reset directly rather than through setStage.
func (s *Syncer) abortAttempt(kind vsr.TrailerKind, err error) {
	s.log.WithFields(log.Fields{
		"trailer": kind.String(),
		"stage":   s.stage.Tag().String(),
	}).WithError(err).Error("sync attempt aborted: trailer authentication failed")
	s.stage = vsr.RequestingTarget{}
	s.requester.RequestTarget()
}

func (s *Syncer) maybeUpdateSuperblock(rt *vsr.RequestTrailers) {
	if !rt.Manifest.Trailer.Done() || !rt.FreeSet.Trailer.Done() || !rt.ClientSessions.Trailer.Done() {
		return
	}
	// The identity fields ride on the terminating chunks, so a done
	// free-set trailer implies the previous checkpoint id is latched,
	// and likewise for the client-sessions trailer.
	if rt.PreviousCheckpointID == nil || rt.CheckpointOpChecksum == nil {
		panic("node: syncer: trailers done without checkpoint identity fields")
	}

	update := store.SuperblockUpdate{
		Target:               rt.Target,
		PreviousCheckpointID: *rt.PreviousCheckpointID,
		CheckpointOpChecksum: *rt.CheckpointOpChecksum,
		Manifest:             trailerPayload(rt.Manifest),
		FreeSet:              trailerPayload(rt.FreeSet),
		ClientSessions:       trailerPayload(rt.ClientSessions),
	}
	s.setStage(&vsr.UpdatingSuperblock{
		Target:               rt.Target,
		PreviousCheckpointID: *rt.PreviousCheckpointID,
		CheckpointOpChecksum: *rt.CheckpointOpChecksum,
	})
	s.superblock.WriteSuperblock(update)
}

func trailerPayload(f *vsr.TrailerFetch) store.TrailerPayload {
	_, checksum, _ := f.Trailer.Final()
	return store.TrailerPayload{
		Bytes:    f.Assembled(),
		Checksum: checksum,
	}
}

// OnSuperblockWritten observes superblock-write completion. A completion
// carrying anything but the in-flight target belongs to an abandoned
// write and its result is discarded.
func (s *Syncer) OnSuperblockWritten(t vsr.Target) {
	us, ok := s.stage.(*vsr.UpdatingSuperblock)
	if !ok || us.Target != t {
		s.log.WithField("checkpoint_op", t.CheckpointOp).Debug("superblock completion ignored")
		return
	}
	s.log.WithFields(log.Fields{
		"checkpoint_op": t.CheckpointOp,
		"checkpoint_id": t.CheckpointID.String(),
	}).Info("checkpoint installed")
	s.setStage(vsr.NotSyncing{})
}
