package recipients

import (
	"strings"

	"notify-dispatch/internal/models"
)

// recipientSet keeps first-seen order. A recipient is a duplicate when its id
// or its (channel, address) pair was already added.
type recipientSet struct {
	items      []models.Recipient
	ids        map[string]struct{}
	addresses  map[string]struct{}
	duplicates int
}

func newRecipientSet() *recipientSet {
	return &recipientSet{
		ids:       make(map[string]struct{}),
		addresses: make(map[string]struct{}),
	}
}

func addressKey(r models.Recipient) string {
	return string(r.ChannelType) + "|" + strings.ToLower(strings.TrimSpace(r.Address))
}

func (s *recipientSet) add(r models.Recipient) bool {
	key := addressKey(r)
	_, seenID := s.ids[r.ID]
	_, seenAddr := s.addresses[key]
	if seenID || seenAddr {
		s.duplicates++
		return false
	}
	s.ids[r.ID] = struct{}{}
	s.addresses[key] = struct{}{}
	s.items = append(s.items, r)
	return true
}

func (s *recipientSet) addAll(rs []models.Recipient) {
	for _, r := range rs {
		s.add(r)
	}
}
