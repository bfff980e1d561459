package bootstrap

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/roomlink/pkg/model"
	"github.com/go-go-golems/roomlink/pkg/session"
	"github.com/go-go-golems/roomlink/pkg/store"
)

type Outcome string

const (
	// OutcomeFresh means storage was just created, or held nothing; the store is untouched.
	OutcomeFresh Outcome = "fresh"
	// OutcomeReplaced means the snapshot replaced the store's rooms, user and settings.
	OutcomeReplaced Outcome = "replaced"
	// OutcomeMerged means missing messages were restored into rooms that exist live.
	OutcomeMerged Outcome = "merged"
	// OutcomeSkipped means storage could not be reached; the client runs without it.
	OutcomeSkipped Outcome = "skipped"
)

// SnapshotSource is the read side of a storage adapter.
type SnapshotSource interface {
	Connect(ctx context.Context) (bool, error)
	GetAllTree(ctx context.Context) (*model.Snapshot, error)
}

// Reconcile loads the persisted snapshot into live once at startup.
//
// Once the store holds user info it carries live data, and the snapshot only fills
// gaps: messages missing by id are restored into rooms that exist live, nothing is
// overwritten and nothing restored is written back. This holds with or without a
// session. Without user info the snapshot replaces the store's persisted slice
// wholesale.
//
// A storage failure yields OutcomeSkipped together with the error. Callers keep
// running and must not attach the adapter for write-behind.
func Reconcile(ctx context.Context, src SnapshotSource, holder *session.Holder, live *store.Store) (Outcome, error) {
	logger := log.With().Str("component", "bootstrap").Logger()

	isNew, err := src.Connect(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("storage unavailable, skipping reconciliation")
		return OutcomeSkipped, errors.Wrap(err, "connect storage")
	}
	if isNew {
		logger.Info().Msg("fresh storage, nothing to reconcile")
		return OutcomeFresh, nil
	}

	snap, err := src.GetAllTree(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("cannot load snapshot, skipping reconciliation")
		return OutcomeSkipped, errors.Wrap(err, "load snapshot")
	}
	if snap == nil {
		return OutcomeFresh, nil
	}

	logger = logger.With().Bool("session", holder.Get() != nil).Logger()
	if live.UserInfo() == nil {
		live.SetStateFromStorage(snap)
		logger.Info().Int("rooms", len(snap.RoomsDict)).Msg("store replaced from storage")
		return OutcomeReplaced, nil
	}

	restored := 0
	for _, id := range live.RoomIDs() {
		rs, ok := snap.RoomsDict[id]
		if !ok {
			continue
		}
		for _, m := range rs.SortedMessages() {
			m.RoomID = id
			if live.RestoreMessage(m) {
				restored++
			}
		}
	}
	logger.Info().Int("restored", restored).Msg("snapshot merged into live store")
	return OutcomeMerged, nil
}
