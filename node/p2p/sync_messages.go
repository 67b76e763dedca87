package p2p

import (
	"encoding/binary"
	"fmt"

	"marlin.dev/replica/vsr"
)

// Sync protocol commands. Framing is the transport's concern; these name
// the payloads this package encodes and decodes.
const (
	CmdTargetAdvert       = "targetadvert"
	CmdSyncManifest       = "syncmanifest"
	CmdSyncFreeSet        = "syncfreeset"
	CmdSyncClientSessions = "syncsessions"
)

const (
	targetAdvertPayloadLen = 2 + vsr.ChecksumSize + 8
	syncChunkHeaderLen     = vsr.ChecksumSize + 8 + 8 + vsr.ChecksumSize + 8 + 4
)

// TargetAdvertPayload is a peer's periodic advertisement of its latest
// checkpoint.
type TargetAdvertPayload struct {
	Replica      uint16
	CheckpointID vsr.Checksum128
	CheckpointOp uint64
}

func EncodeTargetAdvertPayload(p TargetAdvertPayload) []byte {
	out := make([]byte, targetAdvertPayloadLen)
	binary.LittleEndian.PutUint16(out[0:2], p.Replica)
	copy(out[2:2+vsr.ChecksumSize], p.CheckpointID[:])
	binary.LittleEndian.PutUint64(out[2+vsr.ChecksumSize:], p.CheckpointOp)
	return out
}

func DecodeTargetAdvertPayload(b []byte) (*TargetAdvertPayload, error) {
	if len(b) != targetAdvertPayloadLen {
		return nil, fmt.Errorf("p2p: targetadvert: length mismatch")
	}
	var p TargetAdvertPayload
	p.Replica = binary.LittleEndian.Uint16(b[0:2])
	copy(p.CheckpointID[:], b[2:2+vsr.ChecksumSize])
	p.CheckpointOp = binary.LittleEndian.Uint64(b[2+vsr.ChecksumSize:])
	return &p, nil
}

// SyncChunkPayload is one fragment of a trailer for a specific target.
// The terminating chunk of the free-set trailer carries the previous
// checkpoint's id; the terminating chunk of the client-sessions trailer
// carries the checksum of the prepare the checkpoint corresponds to.
type SyncChunkPayload struct {
	Target          vsr.Target
	TrailerSize     uint64
	TrailerChecksum vsr.Checksum128
	ChunkOffset     uint64
	Bytes           []byte

	PreviousCheckpointID *vsr.Checksum128
	CheckpointOpChecksum *vsr.Checksum128
}

// Terminating reports whether this chunk supplies the trailer's last byte.
func (p *SyncChunkPayload) Terminating() bool {
	return p.ChunkOffset+uint64(len(p.Bytes)) == p.TrailerSize
}

func trailerKindForCommand(command string) (vsr.TrailerKind, error) {
	switch command {
	case CmdSyncManifest:
		return vsr.TrailerManifest, nil
	case CmdSyncFreeSet:
		return vsr.TrailerFreeSet, nil
	case CmdSyncClientSessions:
		return vsr.TrailerClientSessions, nil
	default:
		return 0, fmt.Errorf("p2p: not a sync chunk command: %q", command)
	}
}

func chunkTerminalField(kind vsr.TrailerKind, p *SyncChunkPayload) *vsr.Checksum128 {
	switch kind {
	case vsr.TrailerFreeSet:
		return p.PreviousCheckpointID
	case vsr.TrailerClientSessions:
		return p.CheckpointOpChecksum
	default:
		return nil
	}
}

func EncodeSyncChunkPayload(kind vsr.TrailerKind, p *SyncChunkPayload) ([]byte, error) {
	if uint64(len(p.Bytes)) > vsr.ChunkSizeMax {
		return nil, fmt.Errorf("p2p: sync chunk: bytes exceed ChunkSizeMax")
	}
	if p.ChunkOffset+uint64(len(p.Bytes)) > p.TrailerSize {
		return nil, fmt.Errorf("p2p: sync chunk: chunk extends past trailer size")
	}
	terminal := chunkTerminalField(kind, p)
	wantTerminal := kind != vsr.TrailerManifest && p.Terminating()
	if wantTerminal && terminal == nil {
		return nil, fmt.Errorf("p2p: sync chunk: terminating %s chunk missing identity field", kind)
	}
	if !wantTerminal && terminal != nil {
		return nil, fmt.Errorf("p2p: sync chunk: identity field on non-terminating %s chunk", kind)
	}

	out := make([]byte, 0, syncChunkHeaderLen+len(p.Bytes)+vsr.ChecksumSize)
	out = append(out, p.Target.CheckpointID[:]...)
	out = binary.LittleEndian.AppendUint64(out, p.Target.CheckpointOp)
	out = binary.LittleEndian.AppendUint64(out, p.TrailerSize)
	out = append(out, p.TrailerChecksum[:]...)
	out = binary.LittleEndian.AppendUint64(out, p.ChunkOffset)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(p.Bytes)))
	out = append(out, p.Bytes...)
	if terminal != nil {
		out = append(out, terminal[:]...)
	}
	return out, nil
}

func DecodeSyncChunkPayload(kind vsr.TrailerKind, b []byte) (*SyncChunkPayload, error) {
	if len(b) < syncChunkHeaderLen {
		return nil, fmt.Errorf("p2p: sync chunk: short payload")
	}
	var p SyncChunkPayload
	off := 0
	copy(p.Target.CheckpointID[:], b[off:off+vsr.ChecksumSize])
	off += vsr.ChecksumSize
	p.Target.CheckpointOp = binary.LittleEndian.Uint64(b[off:])
	off += 8
	p.TrailerSize = binary.LittleEndian.Uint64(b[off:])
	off += 8
	copy(p.TrailerChecksum[:], b[off:off+vsr.ChecksumSize])
	off += vsr.ChecksumSize
	p.ChunkOffset = binary.LittleEndian.Uint64(b[off:])
	off += 8
	chunkLen := binary.LittleEndian.Uint32(b[off:])
	off += 4

	if uint64(chunkLen) > vsr.ChunkSizeMax {
		return nil, fmt.Errorf("p2p: sync chunk: chunk_len exceeds ChunkSizeMax")
	}
	if p.ChunkOffset+uint64(chunkLen) > p.TrailerSize {
		return nil, fmt.Errorf("p2p: sync chunk: chunk extends past trailer size")
	}

	need := syncChunkHeaderLen + int(chunkLen)
	wantTerminal := kind != vsr.TrailerManifest &&
		p.ChunkOffset+uint64(chunkLen) == p.TrailerSize
	if wantTerminal {
		need += vsr.ChecksumSize
	}
	if len(b) != need {
		return nil, fmt.Errorf("p2p: sync chunk: length mismatch")
	}

	p.Bytes = append([]byte(nil), b[off:off+int(chunkLen)]...)
	off += int(chunkLen)
	if wantTerminal {
		var field vsr.Checksum128
		copy(field[:], b[off:off+vsr.ChecksumSize])
		switch kind {
		case vsr.TrailerFreeSet:
			p.PreviousCheckpointID = &field
		case vsr.TrailerClientSessions:
			p.CheckpointOpChecksum = &field
		}
	}
	return &p, nil
}
