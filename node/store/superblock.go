package store

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"marlin.dev/replica/vsr"
)

var (
	bucketManifestTrailer       = []byte("trailer_manifest")
	bucketFreeSetTrailer        = []byte("trailer_free_set")
	bucketClientSessionsTrailer = []byte("trailer_client_sessions")
)

// TrailerPayload is one assembled trailer handed to the store, with the
// checksum it was validated against.
type TrailerPayload struct {
	Bytes    []byte
	Checksum vsr.Checksum128
}

// SuperblockUpdate carries everything a completed sync attempt installs:
// the quorum-confirmed target, the two checkpoint-identity fields, and the
// three assembled trailers.
type SuperblockUpdate struct {
	Target               vsr.Target
	PreviousCheckpointID vsr.Checksum128
	CheckpointOpChecksum vsr.Checksum128

	Manifest       TrailerPayload
	FreeSet        TrailerPayload
	ClientSessions TrailerPayload
}

// SuperblockStore is the replica's root persistent record: which
// checkpoint is installed, its chain predecessor, and its trailers.
// Trailer bytes live in bbolt keyed by checkpoint id; the record itself is
// a JSON manifest written as an atomic commit point, so a crash between
// the two leaves the previous superblock intact and readable.
type SuperblockStore struct {
	dir    string
	db     *bolt.DB
	record *Record
}

func Open(datadir string) (*SuperblockStore, error) {
	if datadir == "" {
		return nil, errors.New("store: datadir required")
	}
	dir := filepath.Join(datadir, "sync")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrap(err, "store: create sync dir")
	}

	path := filepath.Join(dir, "kv.db")
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, errors.Wrap(err, "store: open bbolt")
	}

	s := &SuperblockStore{dir: dir, db: bdb}

	if err := s.db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketManifestTrailer, bucketFreeSetTrailer, bucketClientSessionsTrailer} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return errors.Wrapf(err, "create bucket %s", string(b))
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	r, err := readRecord(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil // no checkpoint installed yet
		}
		_ = bdb.Close()
		return nil, errors.Wrap(err, "store: read superblock record")
	}
	if r.SchemaVersion > SchemaVersionV1 {
		_ = bdb.Close()
		return nil, errors.Errorf("store: record schema_version %d > supported %d", r.SchemaVersion, SchemaVersionV1)
	}
	s.record = r
	return s, nil
}

func (s *SuperblockStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record returns the installed superblock record, or nil if no checkpoint
// has been installed yet.
func (s *SuperblockStore) Record() *Record {
	if s == nil {
		return nil
	}
	return s.record
}

func trailerBucket(kind vsr.TrailerKind) ([]byte, error) {
	switch kind {
	case vsr.TrailerManifest:
		return bucketManifestTrailer, nil
	case vsr.TrailerFreeSet:
		return bucketFreeSetTrailer, nil
	case vsr.TrailerClientSessions:
		return bucketClientSessionsTrailer, nil
	default:
		return nil, errors.Errorf("store: unknown trailer kind %d", uint8(kind))
	}
}

// Install persists a validated superblock update. Trailer digests are
// re-verified before anything is written; the coordinator only hands over
// assembled buffers that already passed the digest check, so a mismatch
// here is a programming error surfaced as a hard failure.
func (s *SuperblockStore) Install(u SuperblockUpdate) error {
	if s == nil || s.db == nil {
		return errors.New("store: not open")
	}
	trailers := []struct {
		kind    vsr.TrailerKind
		payload TrailerPayload
	}{
		{vsr.TrailerManifest, u.Manifest},
		{vsr.TrailerFreeSet, u.FreeSet},
		{vsr.TrailerClientSessions, u.ClientSessions},
	}
	for _, t := range trailers {
		if vsr.ChecksumOf(t.payload.Bytes) != t.payload.Checksum {
			return errors.Errorf("store: %s trailer bytes do not match checksum", t.kind)
		}
	}

	if err := s.db.Update(func(tx *bolt.Tx) error {
		for _, t := range trailers {
			bucket, err := trailerBucket(t.kind)
			if err != nil {
				return err
			}
			if err := tx.Bucket(bucket).Put(u.Target.CheckpointID[:], t.payload.Bytes); err != nil {
				return errors.Wrapf(err, "put %s trailer", t.kind)
			}
		}
		return nil
	}); err != nil {
		return err
	}

	r := &Record{
		SchemaVersion:             SchemaVersionV1,
		CheckpointIDHex:           u.Target.CheckpointID.String(),
		CheckpointOp:              u.Target.CheckpointOp,
		PreviousCheckpointIDHex:   u.PreviousCheckpointID.String(),
		CheckpointOpChecksumHex:   u.CheckpointOpChecksum.String(),
		ManifestChecksumHex:       u.Manifest.Checksum.String(),
		FreeSetChecksumHex:        u.FreeSet.Checksum.String(),
		ClientSessionsChecksumHex: u.ClientSessions.Checksum.String(),
	}
	if err := writeRecordAtomic(s.dir, r); err != nil {
		return err
	}
	s.record = r
	return nil
}

// ReadTrailer returns the stored bytes of one trailer of checkpoint id.
func (s *SuperblockStore) ReadTrailer(kind vsr.TrailerKind, id vsr.Checksum128) ([]byte, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, errors.New("store: not open")
	}
	bucket, err := trailerBucket(kind)
	if err != nil {
		return nil, false, err
	}
	var out []byte
	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucket).Get(id[:])
		if v == nil {
			return nil
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if out == nil {
		return nil, false, nil
	}
	return out, true, nil
}
