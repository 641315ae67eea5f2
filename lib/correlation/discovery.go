package correlation

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/btree"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	types "github.com/gravitational/teleport/api/types"
)

// discoveryBackoffStart/Cap/Deadline implement spec.md §4.4's session
// discovery retry policy: exponential backoff starting at 2s, capped at
// 60s, giving up after 5 minutes.
const (
	discoveryBackoffStart = 2 * time.Second
	discoveryBackoffCap   = 60 * time.Second
	discoveryDeadline     = 5 * time.Minute
)

// SessionFile is one candidate JSONL session file found under a project
// directory.
type SessionFile struct {
	SessionID      string
	Path           string
	FirstEntryTime time.Time
	FirstPreview   string // up to 100 chars, for AmbiguousSessions
	MessageCount   int
}

// ClaimedIndex is an ordered index of claimed session file paths, used to
// avoid offering an already-claimed session as a discovery candidate
// without a full fabric scan. It holds exactly the paths passed to Mark; it
// is not kept in sync with fanout.Fabric or the store.
type ClaimedIndex struct {
	tree *btree.BTreeG[claimedItem]
}

type claimedItem struct {
	path string
}

func (a claimedItem) Less(b claimedItem) bool { return a.path < b.path }

// NewClaimedIndex creates an empty ClaimedIndex.
func NewClaimedIndex() *ClaimedIndex {
	return &ClaimedIndex{tree: btree.NewG[claimedItem](32, claimedItem.Less)}
}

// Mark records path as claimed.
func (c *ClaimedIndex) Mark(path string) {
	c.tree.ReplaceOrInsert(claimedItem{path: path})
}

// IsClaimed reports whether path has been marked claimed.
func (c *ClaimedIndex) IsClaimed(path string) bool {
	_, ok := c.tree.Get(claimedItem{path: path})
	return ok
}

// Discoverer implements spec.md §4.4's session-discovery algorithm: find
// JSONL files under the project directory for an instance's working
// directory, filter by first-entry timestamp, and either wait, claim, or
// raise ambiguity.
type Discoverer struct {
	clock   clockwork.Clock
	log     log.FieldLogger
	claimed *ClaimedIndex

	// listSessionFiles is overridable for tests; production wiring scans
	// the filesystem project directory for one JSONL file per session.
	listSessionFiles func(projectDir string) ([]SessionFile, error)
}

// NewDiscoverer creates a Discoverer. clock may be nil to use the real clock.
func NewDiscoverer(clock clockwork.Clock, claimed *ClaimedIndex) *Discoverer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	d := &Discoverer{
		clock:   clock,
		log:     log.WithField(trace.Component, "correlation"),
		claimed: claimed,
	}
	d.listSessionFiles = d.listSessionFilesFromDisk
	return d
}

// Outcome is the result of one discovery attempt.
type Outcome struct {
	Claimed    *SessionFile   // set when exactly one candidate was claimed
	Ambiguous  []SessionFile  // set when more than one candidate remains
}

// Discover runs the retry/backoff loop described in spec.md §4.4 until it
// claims a session, finds an ambiguous set, or the 5-minute deadline
// elapses (returning trace.LimitExceeded).
func (d *Discoverer) Discover(ctx context.Context, projectDir string, t0, firstInputAt time.Time) (Outcome, error) {
	deadlineAt := d.clock.Now().Add(discoveryDeadline)
	backoff := discoveryBackoffStart

	lowerBound := t0
	if firstInputAt.After(lowerBound) {
		lowerBound = firstInputAt
	}

	for {
		candidates, err := d.listSessionFiles(projectDir)
		if err != nil {
			return Outcome{}, trace.Wrap(err, "listing session files under %s", projectDir)
		}

		var eligible []SessionFile
		for _, c := range candidates {
			if c.FirstEntryTime.Before(lowerBound) {
				continue
			}
			if d.claimed.IsClaimed(c.Path) {
				continue
			}
			eligible = append(eligible, c)
		}
		sort.Slice(eligible, func(i, j int) bool { return eligible[i].Path < eligible[j].Path })

		switch len(eligible) {
		case 0:
			// fall through to backoff/retry below
		case 1:
			d.claimed.Mark(eligible[0].Path)
			return Outcome{Claimed: &eligible[0]}, nil
		default:
			return Outcome{Ambiguous: eligible}, nil
		}

		if d.clock.Now().After(deadlineAt) {
			return Outcome{}, trace.LimitExceeded("no session discovered for %s within %s", projectDir, discoveryDeadline)
		}

		select {
		case <-ctx.Done():
			return Outcome{}, trace.Wrap(ctx.Err())
		case <-d.clock.After(backoff):
		}

		backoff *= 2
		if backoff > discoveryBackoffCap {
			backoff = discoveryBackoffCap
		}
	}
}

// ClaimAmbiguous claims one of an ambiguous set after the client responds
// with SessionSelect(sessionID) (spec.md §4.4).
func (d *Discoverer) ClaimAmbiguous(chosen SessionFile) {
	d.claimed.Mark(chosen.Path)
}

// listSessionFilesFromDisk scans projectDir for one JSONL file per session
// and reads each file's first entry to determine FirstEntryTime/Preview.
func (d *Discoverer) listSessionFilesFromDisk(projectDir string) ([]SessionFile, error) {
	entries, err := os.ReadDir(projectDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var out []SessionFile
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		path := filepath.Join(projectDir, e.Name())
		sf, ok, err := inspectSessionFile(path)
		if err != nil {
			d.log.WithError(err).WithField("path", path).Warn("skipping unreadable session file")
			continue
		}
		if ok {
			out = append(out, sf)
		}
	}
	return out, nil
}

// inspectSessionFile reads just enough of a JSONL file to produce its
// SessionFile summary: first real entry's timestamp and a truncated
// preview, plus a message count.
func inspectSessionFile(path string) (SessionFile, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return SessionFile{}, false, err
	}
	defer f.Close()

	var entries []types.ConversationEntry
	entries, err = readAllEntries(f)
	if err != nil {
		return SessionFile{}, false, err
	}
	if len(entries) == 0 {
		return SessionFile{}, false, nil
	}

	first := entries[0]
	preview := ""
	if first.Message != nil && len(first.Message.Content) > 0 {
		preview = NormalizeContent(first.Message.Content[0].Text)
	}

	sessionID := first.SessionID
	if sessionID == "" {
		sessionID = filepath.Base(path)
	}

	return SessionFile{
		SessionID:      sessionID,
		Path:           path,
		FirstEntryTime: first.Timestamp,
		FirstPreview:   preview,
		MessageCount:   len(entries),
	}, true, nil
}
