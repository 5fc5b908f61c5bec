package groupcrypto

import (
	"context"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/opd-ai/groupcrypt/protocol"
)

// ImportProgress is reported after each item of a bulk import.
type ImportProgress struct {
	Successes int
	Failures  int
	Total     int
}

// ImportResult is the outcome of importing one session.
type ImportResult struct {
	Session protocol.GroupEncryptionSession
	Err     error
}

// ImportSummary aggregates a bulk import. Partial success is a normal
// outcome.
type ImportSummary struct {
	Results []ImportResult
	ImportProgress
}

// Err combines every failed item's error, or returns nil.
func (s *ImportSummary) Err() error {
	var errs error
	for _, r := range s.Results {
		errs = multierr.Append(errs, r.Err)
	}
	return errs
}

// ImportRoomKeys imports sessions from a key backup or export. Keys arriving
// this way are untrusted. progress, when set, is called after every item.
func (g *GroupEncryptionCrypto) ImportRoomKeys(ctx context.Context, sessions []protocol.GroupEncryptionSession, progress func(ImportProgress)) *ImportSummary {
	summary := &ImportSummary{
		Results:        make([]ImportResult, 0, len(sessions)),
		ImportProgress: ImportProgress{Total: len(sessions)},
	}

	for _, session := range sessions {
		err := ctx.Err()
		if err == nil {
			err = g.importOne(ctx, session, true)
		}
		summary.Results = append(summary.Results, ImportResult{Session: session, Err: err})
		if err != nil {
			summary.Failures++
		} else {
			summary.Successes++
		}
		if progress != nil {
			progress(summary.ImportProgress)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":  "ImportRoomKeys",
		"total":     summary.Total,
		"successes": summary.Successes,
		"failures":  summary.Failures,
	}).Info("Imported room keys")
	return summary
}
