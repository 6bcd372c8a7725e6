package annotation

import (
	"sort"
	"time"
)

// QueueEntry is the inbox view of one annotation. It is derived and never the
// source of truth.
type QueueEntry struct {
	AnnotationID string    `json:"annotationId"`
	EntryID      string    `json:"entryId"`
	Emotion      Emotion   `json:"emotion"`
	State        State     `json:"state"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Project builds the inbox across entries: new before processed, otherwise
// oldest first, ties kept in input order.
func Project(all []Annotation) []QueueEntry {
	out := make([]QueueEntry, 0, len(all))
	for _, item := range all {
		out = append(out, QueueEntry{
			AnnotationID: item.ID,
			EntryID:      item.EntryID,
			Emotion:      item.Emotion,
			State:        item.State,
			CreatedAt:    item.CreatedAt,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := stateRank(out[i].State), stateRank(out[j].State)
		if ri != rj {
			return ri < rj
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func stateRank(state State) int {
	if state == StateNew {
		return 0
	}
	return 1
}
