package domain

import "time"

// MemoryRecord is a snippet stored in a memory collection together with its embedding.
type MemoryRecord struct {
	Collection string
	Key        string
	Text       string
	Embedding  []float32
	UpdatedAt  time.Time
}
