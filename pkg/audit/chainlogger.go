// Package audit provides a hash-chained request log: each entry commits
// to its predecessor, so truncation or in-place edits are detectable.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

// LogEntry is one link of the chain.
type LogEntry struct {
	Timestamp    string `json:"timestamp"`
	PreviousHash string `json:"previous_hash"`
	Payload      string `json:"payload"`
	Hash         string `json:"hash"`
}

// ChainLogger appends hash-chained entries and retains a bounded tail
// for inspection. Safe for concurrent use.
type ChainLogger struct {
	mu           sync.Mutex
	previousHash string
	entries      []*LogEntry
	maxEntries   int
}

// NewChainLogger returns a logger initialized with a zero hash,
// retaining up to maxEntries recent entries (0 means retain nothing).
func NewChainLogger(maxEntries int) *ChainLogger {
	return &ChainLogger{
		previousHash: strings.Repeat("0", 64),
		maxEntries:   maxEntries,
	}
}

// Append adds a new log entry to the chain.
func (c *ChainLogger) Append(payload string) *LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &LogEntry{
		Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
		PreviousHash: c.previousHash,
		Payload:      payload,
	}
	entry.Hash = entryHash(entry.PreviousHash, entry.Timestamp, entry.Payload)
	c.previousHash = entry.Hash

	if c.maxEntries > 0 {
		c.entries = append(c.entries, entry)
		if len(c.entries) > c.maxEntries {
			c.entries = c.entries[len(c.entries)-c.maxEntries:]
		}
	}
	return entry
}

// Entries returns a copy of the retained tail in append order.
func (c *ChainLogger) Entries() []*LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*LogEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

func entryHash(prev, ts, payload string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s", prev, ts, payload)))
	return hex.EncodeToString(h[:])
}

// VerifyChain checks if a slice of entries forms a valid hash chain.
func VerifyChain(entries []*LogEntry) bool {
	for i, entry := range entries {
		if i > 0 && entry.PreviousHash != entries[i-1].Hash {
			return false
		}
		if entryHash(entry.PreviousHash, entry.Timestamp, entry.Payload) != entry.Hash {
			return false
		}
	}
	return true
}
