// Package credstore holds the CredentialStore drivers used by the carelink
// command: a JSON file compatible with logindata.json, the OS keyring, and
// (in the sqlite subpackage) an SQLite database with sealed secrets.
package credstore

import (
	"encoding/json"
	"fmt"

	"github.com/aussiebroadwan/carelink/pkg/carelink"
)

func encode(cred *carelink.Credential) ([]byte, error) {
	if cred == nil {
		return nil, fmt.Errorf("credstore: refusing to store nil credential")
	}
	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("credstore: failed to encode credential: %w", err)
	}
	return append(data, '\n'), nil
}

func decode(data []byte) (*carelink.Credential, error) {
	var cred carelink.Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("%w: %v", carelink.ErrCredentialCorrupt, err)
	}
	return &cred, nil
}
