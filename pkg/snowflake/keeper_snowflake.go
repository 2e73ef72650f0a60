// Package snowflake generates time-sortable unique ids for audit and
// archive records.
//
// ID structure (64 bits): 1 sign bit, 41 bits of milliseconds since the
// custom epoch, 10 bits of node id, 12 bits of per-millisecond sequence.
// Lexicographic ordering of ids equals chronological ordering, which is what
// lets the audit log serve as a rolling deletion ledger without a secondary
// timestamp index.
package snowflake

import (
	"errors"
	"sync"
	"time"
)

const (
	// Custom epoch: 2024-01-01 00:00:00 UTC
	epoch int64 = 1704067200000

	timestampBits = 41
	nodeIDBits    = 10
	sequenceBits  = 12

	maxNodeID   = (1 << nodeIDBits) - 1   // 1023
	maxSequence = (1 << sequenceBits) - 1 // 4095

	timestampShift = nodeIDBits + sequenceBits // 22
	nodeIDShift    = sequenceBits              // 12
)

var (
	ErrInvalidNodeID  = errors.New("node ID must be between 0 and 1023")
	ErrClockMovedBack = errors.New("clock moved backwards")
)

// Generator generates unique snowflake ids.
type Generator struct {
	mu       sync.Mutex
	nodeID   int64
	sequence int64
	lastTime int64
}

// NewGenerator creates a generator for the given node id (0-1023).
func NewGenerator(nodeID int64) (*Generator, error) {
	if nodeID < 0 || nodeID > maxNodeID {
		return nil, ErrInvalidNodeID
	}
	return &Generator{nodeID: nodeID}, nil
}

// Generate returns a new unique id.
func (g *Generator) Generate() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := currentTimeMillis()

	if now < g.lastTime {
		return 0, ErrClockMovedBack
	}

	if now == g.lastTime {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			// Sequence overflow, wait for next millisecond
			now = waitNextMillis(g.lastTime)
		}
	} else {
		g.sequence = 0
	}

	g.lastTime = now

	id := ((now - epoch) << timestampShift) |
		(g.nodeID << nodeIDShift) |
		g.sequence

	return id, nil
}

// MustGenerate generates a new id and panics on error.
func (g *Generator) MustGenerate() int64 {
	id, err := g.Generate()
	if err != nil {
		panic(err)
	}
	return id
}

// Parse extracts components from a snowflake id.
func Parse(id int64) (timestamp time.Time, nodeID int64, sequence int64) {
	ts := (id >> timestampShift) + epoch
	timestamp = time.UnixMilli(ts)
	nodeID = (id >> nodeIDShift) & maxNodeID
	sequence = id & maxSequence
	return
}

// Timestamp extracts the timestamp from a snowflake id.
func Timestamp(id int64) time.Time {
	ts := (id >> timestampShift) + epoch
	return time.UnixMilli(ts)
}

func currentTimeMillis() int64 {
	return time.Now().UnixMilli()
}

func waitNextMillis(lastTime int64) int64 {
	now := currentTimeMillis()
	for now <= lastTime {
		time.Sleep(100 * time.Microsecond)
		now = currentTimeMillis()
	}
	return now
}
