package node

import (
	log "github.com/sirupsen/logrus"

	"marlin.dev/replica/node/store"
	"marlin.dev/replica/vsr"
)

// StoreSuperblockWriter installs superblock updates into a SuperblockStore
// and reports completion through OnDone. The replica event loop wires
// OnDone back into Syncer.OnSuperblockWritten; a failed install is
// surfaced to the loop the same way so it can restart the attempt.
type StoreSuperblockWriter struct {
	Store  *store.SuperblockStore
	OnDone func(t vsr.Target, err error)
	Log    *log.Logger
}

func (w *StoreSuperblockWriter) WriteSuperblock(u store.SuperblockUpdate) {
	err := w.Store.Install(u)
	if err != nil {
		logger := w.Log
		if logger == nil {
			logger = log.StandardLogger()
		}
		logger.WithError(err).WithField("checkpoint_op", u.Target.CheckpointOp).Error("superblock install failed")
	}
	if w.OnDone != nil {
		w.OnDone(u.Target, err)
	}
}
