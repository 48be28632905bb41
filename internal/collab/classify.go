// Package collab detects and resolves concurrent edits to the same stage
// content using version-guarded writes. Classification is a pure decision
// function over edit descriptors, independent of the storage engine.
package collab

import (
	"github.com/p-blackswan/stageflow/internal/models"
)

// Resolution names the outcome class of a conflict check.
type Resolution string

const (
	// ResolutionApplied: the edit's base version matched the stored
	// version, no conflict existed.
	ResolutionApplied Resolution = "applied"

	// ResolutionAutoMerge: the base version was stale but no intervening
	// edit touched the same section; applied additively.
	ResolutionAutoMerge Resolution = "auto_merge"

	// ResolutionLastWriteWins: overlapping comment-only edits; the later
	// timestamp wins, the superseded comment is discarded.
	ResolutionLastWriteWins Resolution = "last_write_wins"

	// ResolutionUserChoice: overlapping substantive edits; an explicit
	// selection is required, with a timeout fallback to last-write-wins.
	ResolutionUserChoice Resolution = "user_choice"
)

// Classify decides how an incoming edit relates to the edits applied since
// its base version. intervening must be the applied edits with a version
// greater than the incoming edit's base, oldest first.
func Classify(incoming *models.CollaborationEdit, intervening []*models.CollaborationEdit) Resolution {
	if len(intervening) == 0 {
		return ResolutionApplied
	}

	var overlapping []*models.CollaborationEdit
	for _, e := range intervening {
		if e.Section == incoming.Section {
			overlapping = append(overlapping, e)
		}
	}
	if len(overlapping) == 0 {
		return ResolutionAutoMerge
	}

	if incoming.Kind == models.SectionComment && allComments(overlapping) {
		return ResolutionLastWriteWins
	}
	return ResolutionUserChoice
}

func allComments(edits []*models.CollaborationEdit) bool {
	for _, e := range edits {
		if e.Kind != models.SectionComment {
			return false
		}
	}
	return true
}
