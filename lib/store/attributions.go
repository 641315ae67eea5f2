package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/gravitational/trace"

	types "github.com/gravitational/teleport/api/types"
	"github.com/crabcity/crabcity/lib/correlation"
)

var _ correlation.Store = (*Store)(nil)

// InsertAttribution records a new, unclaimed attribution row.
func (s *Store) InsertAttribution(a types.Attribution) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO input_attributions (instance_id, user_id, display_name, timestamp, content_preview, task_id)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		string(a.InstanceID), a.UserID, a.DisplayName, a.Timestamp.UTC(), a.ContentPreview, a.TaskID,
	)
	if err != nil {
		return 0, trace.Wrap(err, "inserting attribution for instance %s", a.InstanceID)
	}
	return res.LastInsertId()
}

// CandidatesForContentMatch returns unclaimed attribution rows for
// instanceID whose Timestamp is within correlation.CandidateWindow of at.
// The window only narrows the SQL candidate set; content matching in
// lib/correlation still decides the winner (spec.md §4.4, §9).
func (s *Store) CandidatesForContentMatch(instanceID types.InstanceID, at time.Time) ([]types.Attribution, error) {
	lo := at.Add(-correlation.CandidateWindow).UTC()
	hi := at.Add(correlation.CandidateWindow).UTC()

	rows, err := s.db.Query(
		`SELECT id, instance_id, user_id, display_name, timestamp, entry_uuid, content_preview, task_id
		 FROM input_attributions
		 WHERE instance_id = ? AND entry_uuid IS NULL AND timestamp BETWEEN ? AND ?
		 ORDER BY timestamp ASC`,
		string(instanceID), lo, hi,
	)
	if err != nil {
		return nil, trace.Wrap(err, "querying attribution candidates for instance %s", instanceID)
	}
	defer rows.Close()

	var out []types.Attribution
	for rows.Next() {
		a, err := scanAttribution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, trace.Wrap(rows.Err())
}

// ClaimAttribution sets entryUUID on the row with the given id, but only if
// it is still unclaimed (single-row CAS guard).
func (s *Store) ClaimAttribution(id int64, entryUUID string) error {
	res, err := s.db.Exec(
		`UPDATE input_attributions SET entry_uuid = ? WHERE id = ? AND entry_uuid IS NULL`,
		entryUUID, id,
	)
	if err != nil {
		return trace.Wrap(err, "claiming attribution %d", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return trace.Wrap(err)
	}
	if n == 0 {
		return trace.CompareFailed("attribution %d was already claimed", id)
	}
	return nil
}

// AttributionByEntryUUID returns the attribution already bound to
// entryUUID, if any.
func (s *Store) AttributionByEntryUUID(entryUUID string) (types.Attribution, bool, error) {
	row := s.db.QueryRow(
		`SELECT id, instance_id, user_id, display_name, timestamp, entry_uuid, content_preview, task_id
		 FROM input_attributions WHERE entry_uuid = ?`,
		entryUUID,
	)
	a, err := scanAttribution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Attribution{}, false, nil
	}
	if err != nil {
		return types.Attribution{}, false, trace.Wrap(err, "looking up attribution by entry uuid %s", entryUUID)
	}
	return a, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttribution(row rowScanner) (types.Attribution, error) {
	var (
		a          types.Attribution
		instanceID string
		entryUUID  sql.NullString
		taskID     sql.NullString
	)
	if err := row.Scan(&a.ID, &instanceID, &a.UserID, &a.DisplayName, &a.Timestamp, &entryUUID, &a.ContentPreview, &taskID); err != nil {
		return types.Attribution{}, err
	}
	a.InstanceID = types.InstanceID(instanceID)
	a.EntryUUID = entryUUID.String
	a.TaskID = taskID.String
	a.Timestamp = a.Timestamp.UTC()
	return a, nil
}
