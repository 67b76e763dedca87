package p2p

import "fmt"

// SyncHandler receives decoded sync payloads.
type SyncHandler interface {
	// OnTargetAdvert is called for `targetadvert` messages.
	OnTargetAdvert(p *TargetAdvertPayload) error
	// OnSyncManifest is called for `syncmanifest` chunk messages.
	OnSyncManifest(p *SyncChunkPayload) error
	// OnSyncFreeSet is called for `syncfreeset` chunk messages.
	OnSyncFreeSet(p *SyncChunkPayload) error
	// OnSyncClientSessions is called for `syncsessions` chunk messages.
	OnSyncClientSessions(p *SyncChunkPayload) error
}

// DispatchSyncMessage decodes payload for command and routes it to h.
// Unknown commands are an error; the transport decides what to do with
// commands this package does not own.
func DispatchSyncMessage(command string, payload []byte, h SyncHandler) error {
	if h == nil {
		return fmt.Errorf("p2p: dispatch: nil handler")
	}
	switch command {
	case CmdTargetAdvert:
		p, err := DecodeTargetAdvertPayload(payload)
		if err != nil {
			return err
		}
		return h.OnTargetAdvert(p)
	case CmdSyncManifest, CmdSyncFreeSet, CmdSyncClientSessions:
		kind, err := trailerKindForCommand(command)
		if err != nil {
			return err
		}
		p, err := DecodeSyncChunkPayload(kind, payload)
		if err != nil {
			return err
		}
		switch command {
		case CmdSyncManifest:
			return h.OnSyncManifest(p)
		case CmdSyncFreeSet:
			return h.OnSyncFreeSet(p)
		default:
			return h.OnSyncClientSessions(p)
		}
	default:
		return fmt.Errorf("p2p: dispatch: unknown command %q", command)
	}
}
