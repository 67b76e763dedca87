package store

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

const SchemaVersionV1 uint32 = 1

// Record is the durable superblock record naming the installed checkpoint,
// its chain predecessor, and the checksums of its trailers.
type Record struct {
	SchemaVersion uint32 `json:"schema_version"`

	CheckpointIDHex string `json:"checkpoint_id"`
	CheckpointOp    uint64 `json:"checkpoint_op"`

	PreviousCheckpointIDHex string `json:"previous_checkpoint_id"`
	CheckpointOpChecksumHex string `json:"checkpoint_op_checksum"`

	ManifestChecksumHex       string `json:"manifest_checksum"`
	FreeSetChecksumHex        string `json:"free_set_checksum"`
	ClientSessionsChecksumHex string `json:"client_sessions_checksum"`
}

func recordPath(dir string) string {
	return filepath.Join(dir, "SUPERBLOCK.json")
}

func readRecord(dir string) (*Record, error) {
	b, err := os.ReadFile(recordPath(dir))
	if err != nil {
		return nil, err
	}
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, errors.Wrap(err, "record json")
	}
	return &r, nil
}

// writeRecordAtomic writes SUPERBLOCK.json as a crash-safe commit point:
// write temp -> fsync temp -> rename -> fsync dir.
func writeRecordAtomic(dir string, r *Record) error {
	if r == nil {
		return errors.New("record: nil")
	}
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return errors.Wrap(err, "record json")
	}
	b = append(b, '\n')

	final := recordPath(dir)
	tmp := final + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600) // #nosec G304 -- tmp path is derived from operator-controlled datadir.
	if err != nil {
		return errors.Wrap(err, "record open tmp")
	}
	_, werr := f.Write(b)
	serr := f.Sync()
	cerr := f.Close()
	if werr != nil {
		return errors.Wrap(werr, "record write tmp")
	}
	if serr != nil {
		return errors.Wrap(serr, "record fsync tmp")
	}
	if cerr != nil {
		return errors.Wrap(cerr, "record close tmp")
	}
	if err := os.Rename(tmp, final); err != nil {
		return errors.Wrap(err, "record rename")
	}

	// Fsync the directory so rename is durable.
	d, err := os.Open(dir) // #nosec G304 -- dir is derived from operator-controlled datadir.
	if err != nil {
		return errors.Wrap(err, "record fsync dir open")
	}
	if err := d.Sync(); err != nil {
		_ = d.Close()
		return errors.Wrap(err, "record fsync dir")
	}
	if err := d.Close(); err != nil {
		return errors.Wrap(err, "record fsync dir close")
	}
	return nil
}
