package store

import (
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/gravitational/trace"

	types "github.com/gravitational/teleport/api/types"
)

// SaveGrant upserts a member's standing, the persistence side of
// lib/authz's membership FSM transitions (spec.md §4.6).
func (s *Store) SaveGrant(g types.MembershipGrant) error {
	accessRights, err := json.Marshal(g.AccessRights)
	if err != nil {
		return trace.Wrap(err, "encoding access rights for grant %s", g.PublicKey)
	}

	var admin, blocklist bool
	var scope string
	if g.Suspension != nil {
		admin, blocklist, scope = g.Suspension.Admin, g.Suspension.Blocklist, g.Suspension.Scope
	}

	_, err = s.db.Exec(
		`INSERT INTO member_grants (
			public_key, capability, access_rights, state,
			suspension_admin, suspension_blocklist, suspension_scope,
			invited_by, invited_via_nonce, replaces
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (public_key) DO UPDATE SET
			capability = excluded.capability,
			access_rights = excluded.access_rights,
			state = excluded.state,
			suspension_admin = excluded.suspension_admin,
			suspension_blocklist = excluded.suspension_blocklist,
			suspension_scope = excluded.suspension_scope,
			invited_by = excluded.invited_by,
			invited_via_nonce = excluded.invited_via_nonce,
			replaces = excluded.replaces`,
		g.PublicKey, string(g.Capability), accessRights, string(g.State),
		admin, blocklist, scope, g.InvitedBy, g.InvitedViaNonce, g.Replaces,
	)
	return trace.Wrap(err, "saving grant for %s", g.PublicKey)
}

// GrantByPublicKey fetches one member's current standing.
func (s *Store) GrantByPublicKey(publicKey string) (types.MembershipGrant, bool, error) {
	var (
		g            types.MembershipGrant
		accessRights []byte
		admin        bool
		blocklist    bool
		scope        string
	)
	row := s.db.QueryRow(
		`SELECT public_key, capability, access_rights, state,
			suspension_admin, suspension_blocklist, suspension_scope,
			invited_by, invited_via_nonce, replaces
		 FROM member_grants WHERE public_key = ?`,
		publicKey,
	)
	err := row.Scan(
		&g.PublicKey, &g.Capability, &accessRights, &g.State,
		&admin, &blocklist, &scope, &g.InvitedBy, &g.InvitedViaNonce, &g.Replaces,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return types.MembershipGrant{}, false, nil
	}
	if err != nil {
		return types.MembershipGrant{}, false, trace.Wrap(err, "looking up grant for %s", publicKey)
	}
	if err := json.Unmarshal(accessRights, &g.AccessRights); err != nil {
		return types.MembershipGrant{}, false, trace.Wrap(err, "decoding access rights for %s", publicKey)
	}
	if admin || blocklist {
		g.Suspension = &types.SuspensionSource{Admin: admin, Blocklist: blocklist, Scope: scope}
	}
	return g, true, nil
}
