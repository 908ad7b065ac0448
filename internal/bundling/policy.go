// Package bundling decides which pending notifications are delivered together.
package bundling

import "github.com/datahub/postoffice/internal/domain"

// DefaultMaxWeight is the cumulative weight budget used when none is configured.
const DefaultMaxWeight = 50

// Policy groups contiguous, bundle-compatible notifications.
// It never reorders its input: the result is always a prefix of pending.
type Policy struct {
	maxWeight int
}

func NewPolicy(maxWeight int) *Policy {
	if maxWeight <= 0 {
		maxWeight = DefaultMaxWeight
	}
	return &Policy{maxWeight: maxWeight}
}

// SelectBundle returns the next deliverable run, or nil if pending is empty.
//
// The oldest notification is always selected, even when its own weight exceeds
// the budget; otherwise an overweight notification would block the recipient
// forever.
func (p *Policy) SelectBundle(pending []*domain.Notification) *domain.Selection {
	if len(pending) == 0 {
		return nil
	}

	first := pending[0]
	if !first.SupportsBundling {
		return domain.NewSelection(pending[:1])
	}

	weight := first.Weight
	end := 1
	for ; end < len(pending); end++ {
		next := pending[end]
		if !compatible(first, next) {
			break
		}
		if weight+next.Weight > p.maxWeight {
			break
		}
		weight += next.Weight
	}

	return domain.NewSelection(pending[:end])
}

func compatible(first, next *domain.Notification) bool {
	return next.SupportsBundling &&
		next.Origin == first.Origin &&
		next.ContentType == first.ContentType
}
