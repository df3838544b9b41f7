package models

import (
	"maps"
	"time"
)

// UsageCounter is a monotonically increasing counter shared between
// clients, with a per-category breakdown.
type UsageCounter struct {
	Key        string           `json:"key"`
	Total      int64            `json:"total"`
	Categories map[string]int64 `json:"categories"`
	Version    int64            `json:"version"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// Clone returns a deep copy.
func (c *UsageCounter) Clone() *UsageCounter {
	if c == nil {
		return nil
	}
	out := *c
	out.Categories = maps.Clone(c.Categories)
	if out.Categories == nil {
		out.Categories = map[string]int64{}
	}
	return &out
}

// LabelLogEntry records one label print job.
type LabelLogEntry struct {
	ID          string            `json:"id"`
	AddressCode string            `json:"address_code"`
	ProductCode string            `json:"product_code,omitempty"`
	Copies      int               `json:"copies"`
	User        string            `json:"user"`
	PrintedAt   time.Time         `json:"printed_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy.
func (e *LabelLogEntry) Clone() *LabelLogEntry {
	if e == nil {
		return nil
	}
	out := *e
	out.Metadata = maps.Clone(e.Metadata)
	return &out
}
