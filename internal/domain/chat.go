package domain

import (
	"time"
)

// Speaker tags a chat entry.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// ChatEntry is one message in a chat session.
type ChatEntry struct {
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"ts"`
}

// ChatHistory is an append-only list of chat entries.
// Entries are never reordered or removed.
type ChatHistory struct {
	entries []ChatEntry
}

// Append adds an entry at the end of the history.
func (h *ChatHistory) Append(speaker Speaker, text string) ChatEntry {
	entry := ChatEntry{Speaker: speaker, Text: text, Timestamp: time.Now()}
	h.entries = append(h.entries, entry)
	return entry
}

// Entries returns a copy of the history.
func (h *ChatHistory) Entries() []ChatEntry {
	out := make([]ChatEntry, len(h.entries))
	copy(out, h.entries)
	return out
}

// Len returns the number of entries.
func (h *ChatHistory) Len() int {
	return len(h.entries)
}
