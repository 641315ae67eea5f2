package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/gravitational/trace"

	types "github.com/gravitational/teleport/api/types"
	"github.com/crabcity/crabcity/lib/authz"
)

// AppendEvent runs spec.md §3/§4.6's append(event_type, actor, target,
// payload) inside a single transaction: read the current head, compute the
// next id and hash, insert. instancePubKey is only consulted for the first
// event in instanceID's chain, to derive the genesis prev_hash.
func (s *Store) AppendEvent(instanceID types.InstanceID, instancePubKey []byte, eventType, actor, target string, payload map[string]any, createdAt time.Time) (types.AuditEvent, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return types.AuditEvent{}, trace.Wrap(err, "beginning event append transaction")
	}
	defer tx.Rollback()

	var (
		seq      int64
		prevHash string
	)
	row := tx.QueryRow(
		`SELECT seq, hash FROM event_log WHERE instance_id = ? ORDER BY seq DESC LIMIT 1`,
		string(instanceID),
	)
	switch err := row.Scan(&seq, &prevHash); {
	case errors.Is(err, sql.ErrNoRows):
		seq = 0
		prevHash = authz.GenesisPrevHash(instancePubKey)
	case err != nil:
		return types.AuditEvent{}, trace.Wrap(err, "reading event chain head for instance %s", instanceID)
	}

	ev, err := authz.NewEvent(prevHash, eventType, actor, target, payload, createdAt.UnixNano())
	if err != nil {
		return types.AuditEvent{}, trace.Wrap(err)
	}
	ev.CreatedAt = createdAt

	canon, err := authz.CanonicalJSON(payload)
	if err != nil {
		return types.AuditEvent{}, trace.Wrap(err)
	}

	if _, err := tx.Exec(
		`INSERT INTO event_log (id, instance_id, seq, prev_hash, event_type, actor, target, canonical_json, created_at_ns, hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, string(instanceID), seq+1, ev.PrevHash, ev.EventType, ev.Actor, ev.Target, canon, createdAt.UnixNano(), ev.Hash,
	); err != nil {
		return types.AuditEvent{}, trace.Wrap(err, "inserting event %s for instance %s", ev.ID, instanceID)
	}

	if err := tx.Commit(); err != nil {
		return types.AuditEvent{}, trace.Wrap(err, "committing event append for instance %s", instanceID)
	}
	return ev, nil
}

// ChainRange fetches events in [fromSeq, toSeq] (inclusive, 1-based) for
// instanceID in append order, for verify_chain (spec.md §4.6).
func (s *Store) ChainRange(instanceID types.InstanceID, fromSeq, toSeq int64) ([]types.AuditEvent, []int64, error) {
	rows, err := s.db.Query(
		`SELECT id, prev_hash, event_type, actor, target, canonical_json, created_at_ns, hash
		 FROM event_log WHERE instance_id = ? AND seq BETWEEN ? AND ? ORDER BY seq ASC`,
		string(instanceID), fromSeq, toSeq,
	)
	if err != nil {
		return nil, nil, trace.Wrap(err, "querying event chain range for instance %s", instanceID)
	}
	defer rows.Close()

	var (
		events []types.AuditEvent
		nanos  []int64
	)
	for rows.Next() {
		var (
			ev      types.AuditEvent
			canon   []byte
			nanosec int64
		)
		if err := rows.Scan(&ev.ID, &ev.PrevHash, &ev.EventType, &ev.Actor, &ev.Target, &canon, &nanosec, &ev.Hash); err != nil {
			return nil, nil, trace.Wrap(err)
		}
		if err := json.Unmarshal(canon, &ev.Payload); err != nil {
			return nil, nil, trace.Wrap(err, "decoding canonical payload for event %s", ev.ID)
		}
		ev.CreatedAt = time.Unix(0, nanosec).UTC()
		events = append(events, ev)
		nanos = append(nanos, nanosec)
	}
	return events, nanos, trace.Wrap(rows.Err())
}

// VerifyInstanceChain is ChainRange followed by authz.VerifyChain, anchored
// at instancePubKey's genesis hash.
func (s *Store) VerifyInstanceChain(instanceID types.InstanceID, instancePubKey []byte, fromSeq, toSeq int64) (int, error) {
	events, nanos, err := s.ChainRange(instanceID, fromSeq, toSeq)
	if err != nil {
		return 0, err
	}
	return authz.VerifyChain(events, nanos, authz.GenesisPrevHash(instancePubKey))
}

// InsertCheckpoint persists a signed checkpoint (spec.md §4.6's
// create_checkpoint).
func (s *Store) InsertCheckpoint(cp types.Checkpoint) error {
	_, err := s.db.Exec(
		`INSERT INTO event_checkpoints (event_id, chain_head_hash, signature, created_at)
		 VALUES (?, ?, ?, ?)`,
		cp.EventID, cp.ChainHeadHash, cp.Signature, cp.CreatedAt.UTC(),
	)
	return trace.Wrap(err, "inserting checkpoint for event %s", cp.EventID)
}

// EventProof returns the event plus the smallest checkpoint whose seq is at
// or after eventID's own seq, the pair get_event_proof returns for external
// verification without replaying the whole chain (spec.md §4.6).
func (s *Store) EventProof(instanceID types.InstanceID, eventID string) (types.AuditEvent, types.Checkpoint, error) {
	var targetSeq int64
	row := s.db.QueryRow(`SELECT seq FROM event_log WHERE instance_id = ? AND id = ?`, string(instanceID), eventID)
	if err := row.Scan(&targetSeq); err != nil {
		return types.AuditEvent{}, types.Checkpoint{}, trace.Wrap(err, "locating event %s", eventID)
	}

	events, _, err := s.ChainRange(instanceID, targetSeq, targetSeq)
	if err != nil || len(events) == 0 {
		return types.AuditEvent{}, types.Checkpoint{}, trace.Wrap(err, "fetching event %s", eventID)
	}

	cpRow := s.db.QueryRow(
		`SELECT ec.event_id, ec.chain_head_hash, ec.signature, ec.created_at
		 FROM event_checkpoints ec JOIN event_log el ON el.id = ec.event_id
		 WHERE el.instance_id = ? AND el.seq >= ?
		 ORDER BY el.seq ASC LIMIT 1`,
		string(instanceID), targetSeq,
	)
	var cp types.Checkpoint
	if err := cpRow.Scan(&cp.EventID, &cp.ChainHeadHash, &cp.Signature, &cp.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return events[0], types.Checkpoint{}, trace.NotFound("no checkpoint covers event %s yet", eventID)
		}
		return types.AuditEvent{}, types.Checkpoint{}, trace.Wrap(err, "locating checkpoint for event %s", eventID)
	}
	cp.CreatedAt = cp.CreatedAt.UTC()
	return events[0], cp, nil
}
