// Package timeline orders a session's messages and resolves where one
// conversation turn ends and the next begins.
package timeline

import "github.com/soyeahso/turnstile/internal/domain"

// IsFinalAssistantMessage reports whether msg is the last assistant output
// of its turn within all. Only assistant messages can be final. The
// message is located by id (a synthetic id matches the empty-id message at
// that position); a message not found in all is not final.
func IsFinalAssistantMessage(msg domain.Message, all []domain.Message) bool {
	if msg.Role != domain.RoleAssistant {
		return false
	}
	i := indexOf(msg, all)
	if i < 0 {
		return false
	}
	return IsFinalAt(all, i)
}

// IsFinalAt applies the forward scan to the message at position i.
func IsFinalAt(all []domain.Message, i int) bool {
	if i < 0 || i >= len(all) || all[i].Role != domain.RoleAssistant {
		return false
	}
	for j := i + 1; j < len(all); j++ {
		switch all[j].Role {
		case domain.RoleAssistant:
			return false
		case domain.RoleUser:
			if all[j].IsToolResultOnly() {
				continue
			}
			return true
		}
	}
	return true
}

// FinalFlags classifies every message in one backward pass. The result
// agrees with IsFinalAt for every position.
func FinalFlags(all []domain.Message) []bool {
	flags := make([]bool, len(all))
	// closes: what the forward scan from just after i would conclude.
	closes := true
	for i := len(all) - 1; i >= 0; i-- {
		m := all[i]
		if m.Role == domain.RoleAssistant {
			flags[i] = closes
		}
		switch m.Role {
		case domain.RoleAssistant:
			closes = false
		case domain.RoleUser:
			if !m.IsToolResultOnly() {
				closes = true
			}
		}
	}
	return flags
}

// GroupIntoResponses partitions all into turns. A response closes exactly
// at a final assistant message; whatever follows the last one is kept as a
// trailing open response.
func GroupIntoResponses(all []domain.Message) []domain.Response {
	flags := FinalFlags(all)

	var out []domain.Response
	start := 0
	for i := range all {
		if flags[i] {
			out = append(out, domain.Response{Messages: all[start : i+1 : i+1]})
			start = i + 1
		}
	}
	if start < len(all) {
		out = append(out, domain.Response{Messages: all[start:len(all):len(all)], Open: true})
	}
	return out
}

func indexOf(msg domain.Message, all []domain.Message) int {
	if msg.ID == "" {
		for j, m := range all {
			if m.ID == "" && m.Role == msg.Role && m.CreatedAt.Equal(msg.CreatedAt) {
				return j
			}
		}
		return -1
	}
	for j, m := range all {
		if EffectiveID(m, j) == msg.ID {
			return j
		}
	}
	return -1
}
