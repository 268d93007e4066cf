package agent

import "strings"

// DefaultHistoryLimit bounds the conversation kept for prompt context.
const DefaultHistoryLimit = 20

// Conversation is a bounded, chronological log of utterances.
// It is not safe for concurrent use; the owning Session is its only writer.
type Conversation struct {
	limit int
	turns []Utterance
}

// NewConversation returns an empty conversation holding at most limit utterances.
func NewConversation(limit int) *Conversation {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &Conversation{limit: limit, turns: make([]Utterance, 0, limit+1)}
}

// Append adds u, evicting the oldest utterance once the limit is exceeded.
// Utterances with blank text are ignored and Append returns false.
func (c *Conversation) Append(u Utterance) bool {
	u.Text = strings.TrimSpace(u.Text)
	if u.Text == "" {
		return false
	}
	c.turns = append(c.turns, u)
	if len(c.turns) > c.limit {
		copy(c.turns, c.turns[1:])
		c.turns[len(c.turns)-1] = Utterance{}
		c.turns = c.turns[:len(c.turns)-1]
	}
	return true
}

// Snapshot returns a copy of the current utterances in order.
func (c *Conversation) Snapshot() []Utterance {
	out := make([]Utterance, len(c.turns))
	copy(out, c.turns)
	return out
}

func (c *Conversation) Clear() {
	for i := range c.turns {
		c.turns[i] = Utterance{}
	}
	c.turns = c.turns[:0]
}

func (c *Conversation) Len() int { return len(c.turns) }

// SpeakerRoles maps provider speaker tags to roles.
// Tags without an entry resolve to Default.
type SpeakerRoles struct {
	Tags    map[string]Role
	Default Role
}

// DefaultSpeakerRoles treats diarized speaker 0 as the salesperson.
func DefaultSpeakerRoles() SpeakerRoles {
	return SpeakerRoles{
		Tags:    map[string]Role{"0": RoleAgent},
		Default: RoleCounterpart,
	}
}

// Resolve returns the role for a speaker tag.
func (r SpeakerRoles) Resolve(tag string) Role {
	if role, ok := r.Tags[strings.TrimSpace(tag)]; ok {
		return role
	}
	if r.Default == "" {
		return RoleCounterpart
	}
	return r.Default
}
