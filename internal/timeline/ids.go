package timeline

import (
	"strconv"
	"strings"

	"github.com/soyeahso/turnstile/internal/domain"
)

// SyntheticPrefix marks ids derived from list position.
const SyntheticPrefix = "synthetic:"

// SyntheticID is the id given to the message at pos when it has none.
func SyntheticID(pos int) string {
	return SyntheticPrefix + strconv.Itoa(pos)
}

// IsSynthetic reports whether id was produced by SyntheticID.
func IsSynthetic(id string) bool {
	return strings.HasPrefix(id, SyntheticPrefix)
}

// EffectiveID returns the message's own id, or its positional stand-in.
func EffectiveID(m domain.Message, pos int) string {
	if m.ID != "" {
		return m.ID
	}
	return SyntheticID(pos)
}

// AssignIDs returns a copy of msgs in which every empty id has been
// replaced by its positional stand-in. The input is not modified.
func AssignIDs(msgs []domain.Message) []domain.Message {
	out := make([]domain.Message, len(msgs))
	for i, m := range msgs {
		m.ID = EffectiveID(m, i)
		out[i] = m
	}
	return out
}
