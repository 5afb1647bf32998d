// Package history owns a session's ordered message list: parsing inbound
// messages, ordering, and reconciling optimistic entries with durable ones.
package history

import (
	"fmt"
	"slices"

	"agentsync/internal/domain"
)

// Less orders messages by CreatedAt, breaking ties by server id.
func Less(a, b domain.Message) bool {
	ha, hb := a.Header(), b.Header()
	if ha.CreatedAt != hb.CreatedAt {
		return ha.CreatedAt < hb.CreatedAt
	}
	return ha.ID < hb.ID
}

// Insert returns a new list with m placed before the first entry that sorts
// after it. list is not modified.
func Insert(list []domain.Message, m domain.Message) []domain.Message {
	i := slices.IndexFunc(list, func(x domain.Message) bool { return Less(m, x) })
	if i < 0 {
		i = len(list)
	}
	return slices.Insert(slices.Clone(list), i, m)
}

// Reconcile merges a durable message into list and returns the result.
//
// An entry sharing durable's LocalID is replaced in place. Failing that, a
// durable entry sharing its ID is replaced in place. Otherwise durable is
// inserted at its ordered position. Optimistic entries are never matched by
// server id. list is not modified, and reconciling the same message twice
// gives the same list as reconciling it once.
//
// A match of a different kind is rejected with ErrMalformedEvent and list is
// returned unchanged: a message keeps its kind for life.
func Reconcile(list []domain.Message, durable domain.Message) ([]domain.Message, error) {
	out, _, err := reconcile(list, durable)
	return out, err
}

// Match describes how Reconcile placed a durable message.
type Match int

const (
	MatchNone    Match = iota // inserted
	MatchLocalID              // replaced an entry with the same local id
	MatchID                   // replaced an entry with the same server id
)

func reconcile(list []domain.Message, durable domain.Message) ([]domain.Message, Match, error) {
	if lid := domain.LocalIDOf(durable); lid != "" {
		if i := slices.IndexFunc(list, func(m domain.Message) bool { return domain.LocalIDOf(m) == lid }); i >= 0 {
			return replaceAt(list, i, durable, MatchLocalID, "local id "+lid)
		}
	}
	if id := durable.Header().ID; id != "" {
		i := slices.IndexFunc(list, func(m domain.Message) bool {
			return m.Header().ID == id && domain.DeliveryOf(m) == ""
		})
		if i >= 0 {
			return replaceAt(list, i, durable, MatchID, "id "+id)
		}
	}
	return Insert(list, durable), MatchNone, nil
}

func replaceAt(list []domain.Message, i int, durable domain.Message, match Match, key string) ([]domain.Message, Match, error) {
	if cur := list[i]; cur.Kind() != durable.Kind() {
		return list, MatchNone, domain.NewDomainError("history.Reconcile", domain.ErrMalformedEvent,
			fmt.Sprintf("%s is a %s message, not %s", key, cur.Kind(), durable.Kind()))
	}
	out := slices.Clone(list)
	out[i] = durable
	return out, match, nil
}
