package artifact

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrNotRegistered is returned by Lookup for subjects without a registration.
var ErrNotRegistered = errors.New("subject not registered")

// Confirmation is the durable record of one registration.
type Confirmation struct {
	Seq        uint64 `json:"seq"`
	SubjectID  string `json:"subject_id"`
	Locator    string `json:"locator"`
	Digest     string `json:"digest"` // sha256(subject + locator), stands in for a transaction hash
	RecordedAt int64  `json:"recorded_at"`
}

// Registrar durably associates a subject with its metadata locator.
type Registrar interface {
	Write(ctx context.Context, subjectID, locator string) (Confirmation, error)
}

// LedgerRegistrar appends confirmations to a JSON-lines file and fsyncs each
// write. A later registration for the same subject supersedes earlier ones.
type LedgerRegistrar struct {
	mu     sync.Mutex
	path   string
	seq    uint64
	latest map[string]Confirmation
	clock  func() time.Time
}

// OpenLedger loads an existing ledger, or starts an empty one.
func OpenLedger(path string) (*LedgerRegistrar, error) {
	l := &LedgerRegistrar{
		path:   path,
		latest: make(map[string]Confirmation),
		clock:  time.Now,
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var c Confirmation
		if err := json.Unmarshal(scanner.Bytes(), &c); err != nil {
			return nil, fmt.Errorf("ledger %s line %d: %w", path, line, err)
		}
		l.latest[c.SubjectID] = c
		if c.Seq > l.seq {
			l.seq = c.Seq
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	return l, nil
}

func (l *LedgerRegistrar) Write(ctx context.Context, subjectID, locator string) (Confirmation, error) {
	if err := ctx.Err(); err != nil {
		return Confirmation{}, err
	}
	if subjectID == "" || locator == "" {
		return Confirmation{}, fmt.Errorf("invalid registration: subject=%q locator=%q", subjectID, locator)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	digest := sha256.Sum256([]byte(subjectID + "\x00" + locator))
	c := Confirmation{
		Seq:        l.seq + 1,
		SubjectID:  subjectID,
		Locator:    locator,
		Digest:     "0x" + hex.EncodeToString(digest[:]),
		RecordedAt: l.clock().UnixMilli(),
	}

	line, err := json.Marshal(c)
	if err != nil {
		return Confirmation{}, err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return Confirmation{}, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return Confirmation{}, fmt.Errorf("append ledger: %w", err)
	}
	if err := f.Sync(); err != nil {
		return Confirmation{}, fmt.Errorf("sync ledger: %w", err)
	}

	l.seq = c.Seq
	l.latest[subjectID] = c
	return c, nil
}

// Lookup returns the most recent confirmation for subjectID.
func (l *LedgerRegistrar) Lookup(subjectID string) (Confirmation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.latest[subjectID]
	if !ok {
		return Confirmation{}, fmt.Errorf("%w: %s", ErrNotRegistered, subjectID)
	}
	return c, nil
}
