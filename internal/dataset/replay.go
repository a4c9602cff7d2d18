package dataset

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

type replayEntry struct {
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens"`
}

// Replay reads prompts from a JSONL file, one object per line in the
// form {"prompt": "...", "max_tokens": 128}. Entries are served in
// round-robin order and the source is safe for concurrent access.
type Replay struct {
	mu      sync.Mutex
	entries []replayEntry
	index   int
	rewind  bool
}

// NewReplay loads the file eagerly so dispatch never touches disk.
// With rewind enabled the source cycles forever; otherwise it returns
// ErrExhausted after the last entry.
func NewReplay(path string, rewind bool) (*Replay, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset file: %w", err)
	}
	defer file.Close()

	r := &Replay{rewind: rewind}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry replayEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, fmt.Errorf("dataset line %d: %w", lineNo, err)
		}
		if entry.Prompt == "" {
			return nil, fmt.Errorf("dataset line %d: empty prompt", lineNo)
		}
		r.entries = append(r.entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read dataset file: %w", err)
	}
	if len(r.entries) == 0 {
		return nil, fmt.Errorf("dataset file %s contains no entries", path)
	}
	return r, nil
}

func (r *Replay) NextInputs(slot int) (Inputs, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.index >= len(r.entries) {
		if !r.rewind {
			return Inputs{}, ErrExhausted
		}
		r.index = 0
	}
	entry := r.entries[r.index]
	r.index++
	return Inputs{Prompt: entry.Prompt, MaxTokens: entry.MaxTokens}, nil
}

func (r *Replay) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Replay) Close() error { return nil }
