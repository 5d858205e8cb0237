package journal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// OpKind is the schedule mutation recorded in the journal.
type OpKind string

const (
	OpSave   OpKind = "save"
	OpDelete OpKind = "delete"
)

// Op is one schedule mutation that has not reached the durable job store yet.
type Op struct {
	Kind     OpKind    `json:"kind"`
	OrderID  int64     `json:"order_id"`
	FireAt   time.Time `json:"fire_at,omitempty"`
	Attempts int       `json:"attempts,omitempty"`
}

// Journal is an append-only log of schedule mutations. Entries are
// newline-delimited JSON and survive a restart until Truncate.
type Journal struct {
	mu   sync.Mutex
	path string
	file *os.File
	size int64
}

const fileName = "schedule.journal"

func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create journal directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, fileName)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open journal file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat journal file: %w", err)
	}
	return &Journal{path: path, file: f, size: info.Size()}, nil
}

// Append writes op and fsyncs before returning.
func (j *Journal) Append(op Op) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("marshal journal op: %w", err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	n, err := j.file.Write(append(data, '\n'))
	if err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	j.size += int64(n)
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}
	return nil
}

// ReadAll returns the journaled ops in append order. A torn last line left by
// a crash mid-write is skipped.
func (j *Journal) ReadAll() ([]Op, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	data, err := os.ReadFile(j.path)
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	var ops []Op
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var op Op
		if err := json.Unmarshal(line, &op); err != nil {
			continue
		}
		ops = append(ops, op)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan journal: %w", err)
	}
	return ops, nil
}

// Truncate discards every journaled op once they reached the job store.
func (j *Journal) Truncate() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.file.Truncate(0); err != nil {
		return fmt.Errorf("truncate journal: %w", err)
	}
	j.size = 0
	return nil
}

// Size is the journal length in bytes.
func (j *Journal) Size() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.size
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("close journal: %w", err)
	}
	return nil
}

// Collapse keeps the last op per order, preserving the order in which each
// order was last touched.
func Collapse(ops []Op) []Op {
	last := make(map[int64]int, len(ops))
	for i, op := range ops {
		last[op.OrderID] = i
	}
	out := make([]Op, 0, len(last))
	for i, op := range ops {
		if last[op.OrderID] == i {
			out = append(out, op)
		}
	}
	return out
}
