package store

import (
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/gravitational/trace"

	types "github.com/gravitational/teleport/api/types"
	"github.com/crabcity/crabcity/lib/tunnel"
)

var _ tunnel.FederationStore = (*Store)(nil)

// FederatedAccountByKey looks up a host-side record of a remote user by
// their hex-encoded ed25519 signing public key, the identity a federation
// tunnel Authenticate message is checked against (spec.md §4.5).
func (s *Store) FederatedAccountByKey(accountKey string) (types.FederatedAccount, bool, error) {
	var (
		a            types.FederatedAccount
		accessRights []byte
	)
	row := s.db.QueryRow(
		`SELECT account_key, display_name, access_rights, capability, state
		 FROM federated_accounts WHERE account_key = ?`,
		accountKey,
	)
	if err := row.Scan(&a.AccountKey, &a.DisplayName, &accessRights, &a.Capability, &a.State); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.FederatedAccount{}, false, nil
		}
		return types.FederatedAccount{}, false, trace.Wrap(err, "looking up federated account %s", accountKey)
	}
	if err := json.Unmarshal(accessRights, &a.AccessRights); err != nil {
		return types.FederatedAccount{}, false, trace.Wrap(err, "decoding access rights for federated account %s", accountKey)
	}
	return a, true, nil
}

// UpsertFederatedAccount creates or updates the host-side record for a
// remote user, the write side of FederatedAccountByKey.
func (s *Store) UpsertFederatedAccount(a types.FederatedAccount) error {
	accessRights, err := json.Marshal(a.AccessRights)
	if err != nil {
		return trace.Wrap(err, "encoding access rights for federated account %s", a.AccountKey)
	}
	_, err = s.db.Exec(
		`INSERT INTO federated_accounts (account_key, display_name, access_rights, capability, state)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (account_key) DO UPDATE SET
			display_name = excluded.display_name,
			access_rights = excluded.access_rights,
			capability = excluded.capability,
			state = excluded.state`,
		a.AccountKey, a.DisplayName, accessRights, string(a.Capability), string(a.State),
	)
	return trace.Wrap(err, "upserting federated account %s", a.AccountKey)
}
