package node

import (
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"marlin.dev/replica/node/p2p"
	"marlin.dev/replica/node/store"
	"marlin.dev/replica/vsr"
)

type fakeCommit struct {
	interruptible bool
	cancels       int
}

func (f *fakeCommit) Interruptible() bool { return f.interruptible }
func (f *fakeCommit) CancelCommit()       { f.cancels++ }

type fakeGrid struct {
	idle    bool
	cancels int
}

func (f *fakeGrid) Idle() bool  { return f.idle }
func (f *fakeGrid) CancelGrid() { f.cancels++ }

type chunkRequest struct {
	target vsr.Target
	kind   vsr.TrailerKind
	offset uint64
}

type fakeRequester struct {
	targetRequests int
	chunkRequests  []chunkRequest
}

func (f *fakeRequester) RequestTarget() { f.targetRequests++ }

func (f *fakeRequester) RequestChunk(t vsr.Target, kind vsr.TrailerKind, offset uint64) {
	f.chunkRequests = append(f.chunkRequests, chunkRequest{target: t, kind: kind, offset: offset})
}

type fakeSuperblock struct {
	updates []store.SuperblockUpdate
}

func (f *fakeSuperblock) WriteSuperblock(u store.SuperblockUpdate) {
	f.updates = append(f.updates, u)
}

type syncerHarness struct {
	syncer     *Syncer
	commit     *fakeCommit
	grid       *fakeGrid
	requester  *fakeRequester
	superblock *fakeSuperblock
}

func newSyncerHarness(t *testing.T) *syncerHarness {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.ReplicaIndex = 0
	cfg.ReplicaCount = 4
	cfg.QuorumReplace = 2
	cfg.TrailerSizeMax = 4096

	logger := log.New()
	logger.SetLevel(log.PanicLevel)

	h := &syncerHarness{
		commit:     &fakeCommit{interruptible: true},
		grid:       &fakeGrid{idle: true},
		requester:  &fakeRequester{},
		superblock: &fakeSuperblock{},
	}
	s, err := NewSyncer(cfg, h.commit, h.grid, h.requester, h.superblock, logger)
	require.NoError(t, err)
	h.syncer = s
	return h
}

func targetWith(op uint64, idByte byte) vsr.Target {
	var id vsr.Checksum128
	id[0] = idByte
	return vsr.Target{CheckpointID: id, CheckpointOp: op}
}

func advertFor(replica uint16, target vsr.Target) *p2p.TargetAdvertPayload {
	return &p2p.TargetAdvertPayload{
		Replica:      replica,
		CheckpointID: target.CheckpointID,
		CheckpointOp: target.CheckpointOp,
	}
}

// promote drives enough adverts through the quorum table to promote
// target (quorum threshold 2 in the harness config).
func (h *syncerHarness) promote(t *testing.T, target vsr.Target) {
	t.Helper()
	require.NoError(t, h.syncer.OnTargetAdvert(advertFor(1, target)))
	require.NoError(t, h.syncer.OnTargetAdvert(advertFor(2, target)))
}

type trailerContent struct {
	manifest       []byte
	freeSet        []byte
	clientSessions []byte
	previousID     vsr.Checksum128
	opChecksum     vsr.Checksum128
}

func defaultTrailerContent() trailerContent {
	return trailerContent{
		manifest:       []byte("manifest trailer bytes"),
		freeSet:        []byte("free set trailer bytes"),
		clientSessions: []byte("client sessions trailer bytes"),
		previousID:     vsr.ChecksumOf([]byte("previous checkpoint")),
		opChecksum:     vsr.ChecksumOf([]byte("checkpoint prepare")),
	}
}

func (c trailerContent) chunk(target vsr.Target, kind vsr.TrailerKind) *p2p.SyncChunkPayload {
	var content []byte
	switch kind {
	case vsr.TrailerManifest:
		content = c.manifest
	case vsr.TrailerFreeSet:
		content = c.freeSet
	case vsr.TrailerClientSessions:
		content = c.clientSessions
	}
	p := &p2p.SyncChunkPayload{
		Target:          target,
		TrailerSize:     uint64(len(content)),
		TrailerChecksum: vsr.ChecksumOf(content),
		ChunkOffset:     0,
		Bytes:           content,
	}
	switch kind {
	case vsr.TrailerFreeSet:
		prev := c.previousID
		p.PreviousCheckpointID = &prev
	case vsr.TrailerClientSessions:
		sum := c.opChecksum
		p.CheckpointOpChecksum = &sum
	}
	return p
}

func (h *syncerHarness) feedAllTrailers(t *testing.T, target vsr.Target, c trailerContent) {
	t.Helper()
	require.NoError(t, h.syncer.OnSyncManifest(c.chunk(target, vsr.TrailerManifest)))
	require.NoError(t, h.syncer.OnSyncFreeSet(c.chunk(target, vsr.TrailerFreeSet)))
	require.NoError(t, h.syncer.OnSyncClientSessions(c.chunk(target, vsr.TrailerClientSessions)))
}

func TestSyncerStageWalk(t *testing.T) {
	h := newSyncerHarness(t)
	h.commit.interruptible = false
	h.grid.idle = false

	h.syncer.BeginSync()
	require.Equal(t, vsr.StageCancellingCommit, h.syncer.Stage().Tag())
	require.Equal(t, 1, h.commit.cancels)

	h.syncer.OnCommitCancelled()
	require.Equal(t, vsr.StageCancellingGrid, h.syncer.Stage().Tag())
	require.Equal(t, 1, h.grid.cancels)

	h.syncer.OnGridCancelled()
	require.Equal(t, vsr.StageRequestingTarget, h.syncer.Stage().Tag())
	require.Equal(t, 1, h.requester.targetRequests)

	oldTarget := targetWith(10, 'A')
	h.promote(t, oldTarget)
	require.Equal(t, vsr.StageRequestTrailers, h.syncer.Stage().Tag())
	got, ok := h.syncer.Target()
	require.True(t, ok)
	require.Equal(t, oldTarget, got)
	require.Len(t, h.requester.chunkRequests, 3)

	// A fresher canonical target supersedes the fetch in place.
	newTarget := targetWith(11, 'B')
	h.promote(t, newTarget)
	require.Equal(t, vsr.StageRequestTrailers, h.syncer.Stage().Tag())
	got, ok = h.syncer.Target()
	require.True(t, ok)
	require.Equal(t, newTarget, got)

	// Chunks for the superseded target are discarded.
	c := defaultTrailerContent()
	require.NoError(t, h.syncer.OnSyncManifest(c.chunk(oldTarget, vsr.TrailerManifest)))
	require.Equal(t, vsr.StageRequestTrailers, h.syncer.Stage().Tag())

	h.feedAllTrailers(t, newTarget, c)
	require.Equal(t, vsr.StageUpdatingSuperblock, h.syncer.Stage().Tag())
	require.Len(t, h.superblock.updates, 1)
	update := h.superblock.updates[0]
	require.Equal(t, newTarget, update.Target)
	require.Equal(t, c.previousID, update.PreviousCheckpointID)
	require.Equal(t, c.opChecksum, update.CheckpointOpChecksum)
	require.Equal(t, c.manifest, update.Manifest.Bytes)
	require.Equal(t, c.freeSet, update.FreeSet.Bytes)
	require.Equal(t, c.clientSessions, update.ClientSessions.Bytes)

	// An abandoned write's completion carries the old identity and is
	// discarded; the in-flight one completes the attempt.
	h.syncer.OnSuperblockWritten(oldTarget)
	require.Equal(t, vsr.StageUpdatingSuperblock, h.syncer.Stage().Tag())
	h.syncer.OnSuperblockWritten(newTarget)
	require.Equal(t, vsr.StageNotSyncing, h.syncer.Stage().Tag())
}

func TestSyncerBeginSyncFanOut(t *testing.T) {
	h := newSyncerHarness(t)
	h.syncer.BeginSync()
	require.Equal(t, vsr.StageRequestingTarget, h.syncer.Stage().Tag())
	require.Equal(t, 1, h.requester.targetRequests)

	h = newSyncerHarness(t)
	h.grid.idle = false
	h.syncer.BeginSync()
	require.Equal(t, vsr.StageCancellingGrid, h.syncer.Stage().Tag())
	require.Equal(t, 1, h.grid.cancels)

	h = newSyncerHarness(t)
	h.commit.interruptible = false
	h.syncer.BeginSync()
	require.Equal(t, vsr.StageCancellingCommit, h.syncer.Stage().Tag())

	// Already syncing: no-op.
	h.syncer.BeginSync()
	require.Equal(t, vsr.StageCancellingCommit, h.syncer.Stage().Tag())
	require.Equal(t, 1, h.commit.cancels)
}

func TestSyncerIgnoresOutOfBandCallbacks(t *testing.T) {
	h := newSyncerHarness(t)
	h.syncer.OnCommitCancelled()
	h.syncer.OnGridCancelled()
	h.syncer.OnSuperblockWritten(targetWith(1, 'X'))
	require.Equal(t, vsr.StageNotSyncing, h.syncer.Stage().Tag())
}

func TestSyncerQuorumThreshold(t *testing.T) {
	h := newSyncerHarness(t)
	h.syncer.BeginSync()
	require.Equal(t, vsr.StageRequestingTarget, h.syncer.Stage().Tag())

	target := targetWith(10, 'A')
	require.NoError(t, h.syncer.OnTargetAdvert(advertFor(1, target)))
	require.Equal(t, vsr.StageRequestingTarget, h.syncer.Stage().Tag())

	require.NoError(t, h.syncer.OnTargetAdvert(advertFor(2, target)))
	require.Equal(t, vsr.StageRequestTrailers, h.syncer.Stage().Tag())
}

func TestSyncerAdvertsIgnoredFromSelfAndOutOfRange(t *testing.T) {
	h := newSyncerHarness(t)
	h.syncer.BeginSync()

	target := targetWith(10, 'A')
	require.NoError(t, h.syncer.OnTargetAdvert(advertFor(0, target))) // self
	require.NoError(t, h.syncer.OnTargetAdvert(advertFor(64, target)))
	require.NoError(t, h.syncer.OnTargetAdvert(advertFor(1, target)))
	require.Equal(t, vsr.StageRequestingTarget, h.syncer.Stage().Tag())
}

func TestSyncerQuorumRetainedWhileNotSyncing(t *testing.T) {
	h := newSyncerHarness(t)
	target := targetWith(10, 'A')
	h.promote(t, target)
	require.Equal(t, vsr.StageNotSyncing, h.syncer.Stage().Tag())

	// The votes were retained; entering target polling and seeing one
	// more advert promotes immediately.
	h.syncer.BeginSync()
	require.Equal(t, vsr.StageRequestingTarget, h.syncer.Stage().Tag())
	require.NoError(t, h.syncer.OnTargetAdvert(advertFor(3, target)))
	require.Equal(t, vsr.StageRequestTrailers, h.syncer.Stage().Tag())
}

func TestSyncerAuthFailureRestartsTargeting(t *testing.T) {
	h := newSyncerHarness(t)
	h.syncer.BeginSync()
	target := targetWith(10, 'A')
	h.promote(t, target)
	require.Equal(t, vsr.StageRequestTrailers, h.syncer.Stage().Tag())
	before := h.requester.targetRequests

	// Content does not match the declared checksum: the source is lying.
	content := []byte("manifest trailer bytes")
	p := &p2p.SyncChunkPayload{
		Target:          target,
		TrailerSize:     uint64(len(content)),
		TrailerChecksum: vsr.ChecksumOf([]byte("different bytes")),
		ChunkOffset:     0,
		Bytes:           content,
	}
	err := h.syncer.OnSyncManifest(p)
	require.Error(t, err)
	require.True(t, vsr.IsTrailerAuthFailure(err))
	require.Equal(t, vsr.StageRequestingTarget, h.syncer.Stage().Tag())
	require.Equal(t, before+1, h.requester.targetRequests)
}

func TestSyncerOversizedTrailerIgnored(t *testing.T) {
	h := newSyncerHarness(t)
	h.syncer.BeginSync()
	target := targetWith(10, 'A')
	h.promote(t, target)

	p := &p2p.SyncChunkPayload{
		Target:      target,
		TrailerSize: 4097,
		ChunkOffset: 0,
		Bytes:       []byte{1},
	}
	require.NoError(t, h.syncer.OnSyncManifest(p))
	require.Equal(t, vsr.StageRequestTrailers, h.syncer.Stage().Tag())
}

func TestSyncerRequestOutstandingChunks(t *testing.T) {
	h := newSyncerHarness(t)
	h.syncer.BeginSync()
	target := targetWith(10, 'A')
	h.promote(t, target)
	c := defaultTrailerContent()

	require.NoError(t, h.syncer.OnSyncManifest(c.chunk(target, vsr.TrailerManifest)))
	h.requester.chunkRequests = nil
	h.syncer.RequestOutstandingChunks()

	require.Len(t, h.requester.chunkRequests, 2)
	for _, req := range h.requester.chunkRequests {
		require.Equal(t, target, req.target)
		require.NotEqual(t, vsr.TrailerManifest, req.kind)
		require.Equal(t, uint64(0), req.offset)
	}
}

func TestSyncerInstallsThroughStore(t *testing.T) {
	dir := t.TempDir()
	superblocks, err := store.Open(dir)
	require.NoError(t, err)
	defer func() { _ = superblocks.Close() }()

	cfg := DefaultConfig()
	cfg.DataDir = dir
	cfg.ReplicaCount = 4
	cfg.QuorumReplace = 2
	cfg.TrailerSizeMax = 4096

	logger := log.New()
	logger.SetLevel(log.PanicLevel)

	var s *Syncer
	writer := &StoreSuperblockWriter{
		Store: superblocks,
		Log:   logger,
		OnDone: func(target vsr.Target, err error) {
			require.NoError(t, err)
			s.OnSuperblockWritten(target)
		},
	}
	s, err = NewSyncer(cfg, &fakeCommit{interruptible: true}, &fakeGrid{idle: true}, &fakeRequester{}, writer, logger)
	require.NoError(t, err)

	s.BeginSync()
	target := targetWith(21, 'S')
	require.NoError(t, s.OnTargetAdvert(advertFor(1, target)))
	require.NoError(t, s.OnTargetAdvert(advertFor(2, target)))

	c := defaultTrailerContent()
	require.NoError(t, s.OnSyncManifest(c.chunk(target, vsr.TrailerManifest)))
	require.NoError(t, s.OnSyncFreeSet(c.chunk(target, vsr.TrailerFreeSet)))
	require.NoError(t, s.OnSyncClientSessions(c.chunk(target, vsr.TrailerClientSessions)))

	require.Equal(t, vsr.StageNotSyncing, s.Stage().Tag())
	r := superblocks.Record()
	require.NotNil(t, r)
	require.Equal(t, target.CheckpointOp, r.CheckpointOp)
	require.Equal(t, target.CheckpointID.String(), r.CheckpointIDHex)

	stored, ok, err := superblocks.ReadTrailer(vsr.TrailerManifest, target.CheckpointID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, c.manifest, stored)
}
