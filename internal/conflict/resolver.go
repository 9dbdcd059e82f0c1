package conflict

import (
	"errors"
	"sort"
	"time"

	"github.com/savegress/chartsync/internal/store"
	"github.com/savegress/chartsync/pkg/models"
)

// ErrManualRequired signals that a strategy could not resolve the conflict
// automatically and a human decision is needed.
var ErrManualRequired = errors.New("manual resolution required")

// ErrRebaseRequired signals the version strategy's outright rejection; the
// caller must re-read the remote version and reapply its edit.
var ErrRebaseRequired = errors.New("local edit must be rebased onto the remote version")

// MergeOutcome is the result of a three-way field merge
type MergeOutcome struct {
	Fields        map[string]interface{}
	Deleted       bool
	OverlapFields []string // fields changed on both sides to different values
}

// Merge performs a three-way merge of local and remote against their shared
// base. Fields changed on only one side apply cleanly; fields changed on
// both sides to different values are reported as overlaps rather than
// guessed. A delete on either side dominates the merge.
func Merge(base, local, remote map[string]interface{}, localDeleted, remoteDeleted bool) MergeOutcome {
	if localDeleted || remoteDeleted {
		return MergeOutcome{Deleted: true}
	}

	localChange := store.DiffFields(base, local)
	remoteChange := store.DiffFields(base, remote)

	localTouched := localChange.TouchedFields()
	remoteTouched := remoteChange.TouchedFields()

	result := models.CloneFields(base)
	if result == nil {
		result = make(map[string]interface{})
	}

	var overlaps []string

	apply := func(change *models.ChangeSet) {
		for k, v := range change.Added {
			result[k] = v
		}
		for k, v := range change.Modified {
			result[k] = v
		}
		for _, k := range change.Removed {
			delete(result, k)
		}
	}

	// Walk every touched field once; one-sided changes apply, two-sided
	// identical changes apply, two-sided diverging changes overlap.
	allTouched := make(map[string]bool)
	for k := range localTouched {
		allTouched[k] = true
	}
	for k := range remoteTouched {
		allTouched[k] = true
	}

	for k := range allTouched {
		lt, rt := localTouched[k], remoteTouched[k]
		if lt && rt {
			lv, lok := local[k]
			rv, rok := remote[k]
			if lok == rok && (!lok || store.FieldsEqual(lv, rv)) {
				continue // both sides agree
			}
			overlaps = append(overlaps, k)
		}
	}

	if len(overlaps) > 0 {
		sort.Strings(overlaps)
		return MergeOutcome{OverlapFields: overlaps}
	}

	apply(remoteChange)
	apply(localChange)
	return MergeOutcome{Fields: result}
}

// Resolve applies a resolution strategy to a conflict. Given identical
// inputs it produces an identical Resolution on every invocation; only the
// manual path defers to a human. The returned Resolution is not yet
// persisted or applied.
func Resolve(c *models.Conflict, strategy models.ConflictStrategy, resolvedBy string, now time.Time) (*models.Resolution, error) {
	switch strategy {
	case models.StrategyClientWins:
		return &models.Resolution{
			Action:     models.ResolveKeepLocal,
			Result:     models.CloneFields(c.LocalFields),
			Deleted:    c.LocalDeleted,
			ResolvedBy: resolvedBy,
			ResolvedAt: now,
		}, nil

	case models.StrategyServerWins:
		return &models.Resolution{
			Action:     models.ResolveKeepRemote,
			Result:     models.CloneFields(c.RemoteFields),
			Deleted:    c.RemoteDeleted,
			ResolvedBy: resolvedBy,
			ResolvedAt: now,
		}, nil

	case models.StrategyTimestamp:
		// Remote wins ties so both replicas converge on the same answer.
		if c.LocalModified.After(c.RemoteModified) {
			return &models.Resolution{
				Action:     models.ResolveKeepLocal,
				Result:     models.CloneFields(c.LocalFields),
				Deleted:    c.LocalDeleted,
				ResolvedBy: resolvedBy,
				ResolvedAt: now,
				Notes:      "newer local timestamp",
			}, nil
		}
		return &models.Resolution{
			Action:     models.ResolveKeepRemote,
			Result:     models.CloneFields(c.RemoteFields),
			Deleted:    c.RemoteDeleted,
			ResolvedBy: resolvedBy,
			ResolvedAt: now,
			Notes:      "newer or equal remote timestamp",
		}, nil

	case models.StrategyMerge:
		outcome := Merge(c.BaseFields, c.LocalFields, c.RemoteFields, c.LocalDeleted, c.RemoteDeleted)
		if len(outcome.OverlapFields) > 0 {
			return nil, ErrManualRequired
		}
		if outcome.Deleted {
			return &models.Resolution{
				Action:     models.ResolveMerge,
				Deleted:    true,
				ResolvedBy: resolvedBy,
				ResolvedAt: now,
				Notes:      "delete dominates merge",
			}, nil
		}
		return &models.Resolution{
			Action:     models.ResolveMerge,
			Result:     outcome.Fields,
			ResolvedBy: resolvedBy,
			ResolvedAt: now,
		}, nil

	case models.StrategyManual:
		return nil, ErrManualRequired

	case models.StrategyVersion:
		return nil, ErrRebaseRequired

	default:
		return nil, ErrManualRequired
	}
}
