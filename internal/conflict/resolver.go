// Package conflict implements last-write-wins plus structural merge for
// concurrently edited documents, used by offline sync.
package conflict

import (
	"context"
	"reflect"
	"time"

	"github.com/cargoops/courier/internal/audit"
)

// VersionedRecord is one side of a potential conflict. Timestamps are inputs;
// resolution never reads the wall clock, keeping it deterministic.
type VersionedRecord struct {
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
	Author    string    `json:"author,omitempty"`
	Version   int       `json:"version,omitempty"`
}

// Winner identifies which side a resolution chose.
type Winner string

const (
	WinnerLocal  Winner = "local"
	WinnerRemote Winner = "remote"
	WinnerMerged Winner = "merged"
)

// Resolution is the outcome of comparing two record versions.
type Resolution struct {
	// Resolved is false only when no deterministic merge was possible.
	Resolved bool `json:"resolved"`

	Winner    Winner `json:"winner"`
	FinalData any    `json:"finalData"`

	// Irreconcilable flags a resolution that defaulted to local because the
	// data shapes could not be merged. Callers must surface these for
	// manual follow-up rather than dropping them.
	Irreconcilable bool `json:"irreconcilable,omitempty"`
}

// Resolve compares local against remote and produces a Resolution. It is a
// pure function of its inputs: the strictly newer side wins outright; equal
// timestamps trigger a structural merge (shallow field merge for objects,
// union for arrays at the same key, local wins scalar ties). Non-object data
// at equal timestamps cannot be merged deterministically and is flagged
// irreconcilable, defaulting to local.
func Resolve(local, remote VersionedRecord) Resolution {
	switch {
	case local.Timestamp.After(remote.Timestamp):
		return Resolution{Resolved: true, Winner: WinnerLocal, FinalData: local.Data}
	case remote.Timestamp.After(local.Timestamp):
		return Resolution{Resolved: true, Winner: WinnerRemote, FinalData: remote.Data}
	}

	localObj, localOK := local.Data.(map[string]any)
	remoteObj, remoteOK := remote.Data.(map[string]any)
	if !localOK || !remoteOK {
		return Resolution{
			Resolved:       false,
			Winner:         WinnerLocal,
			FinalData:      local.Data,
			Irreconcilable: true,
		}
	}

	return Resolution{
		Resolved:  true,
		Winner:    WinnerMerged,
		FinalData: mergeObjects(localObj, remoteObj),
	}
}

// mergeObjects shallow-merges two objects. Keys present on one side carry
// over; keys present on both take the local value, except arrays, which are
// unioned by deep equality.
func mergeObjects(local, remote map[string]any) map[string]any {
	merged := make(map[string]any, len(local)+len(remote))
	for k, v := range remote {
		merged[k] = v
	}
	for k, lv := range local {
		rv, both := remote[k]
		if !both {
			merged[k] = lv
			continue
		}
		la, lok := lv.([]any)
		ra, rok := rv.([]any)
		if lok && rok {
			merged[k] = unionArrays(la, ra)
			continue
		}
		// scalar (or nested object) tie: local wins
		merged[k] = lv
	}
	return merged
}

// unionArrays returns local's elements followed by remote elements not
// already present, compared by deep equality.
func unionArrays(local, remote []any) []any {
	union := make([]any, 0, len(local)+len(remote))
	union = append(union, local...)
	for _, rv := range remote {
		present := false
		for _, existing := range union {
			if reflect.DeepEqual(existing, rv) {
				present = true
				break
			}
		}
		if !present {
			union = append(union, rv)
		}
	}
	return union
}

// Resolver resolves conflicts and records every resolution as an audit entry
// before it is applied.
type Resolver struct {
	audit audit.Recorder
}

// NewResolver creates a Resolver. A nil recorder disables auditing.
func NewResolver(rec audit.Recorder) *Resolver {
	if rec == nil {
		rec = audit.Nop{}
	}
	return &Resolver{audit: rec}
}

// Resolve runs the pure resolution and audits the outcome with both sides'
// timestamps and authors.
func (r *Resolver) Resolve(ctx context.Context, tenantID string, local, remote VersionedRecord) Resolution {
	res := Resolve(local, remote)

	evtType := audit.EventConflictResolved
	if res.Irreconcilable {
		evtType = audit.EventConflictIrreconcilable
	}
	r.audit.Record(ctx, &audit.Event{
		Type:     evtType,
		TenantID: tenantID,
		Action:   "conflict resolved: " + string(res.Winner),
		Details: map[string]any{
			"winner":           string(res.Winner),
			"resolved":         res.Resolved,
			"irreconcilable":   res.Irreconcilable,
			"local_timestamp":  local.Timestamp,
			"local_author":     local.Author,
			"remote_timestamp": remote.Timestamp,
			"remote_author":    remote.Author,
		},
	})
	return res
}
