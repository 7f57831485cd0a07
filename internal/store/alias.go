package store

import (
	"fmt"

	"github.com/goccy/go-json"
	bolt "go.etcd.io/bbolt"

	"github.com/benchlab/benchd/internal/driver"
)

const errEmptyIDN = errorString("empty idn")

// aliasRecord is the stored form of one alias entry.
type aliasRecord struct {
	Alias       string `json:"alias"`
	CreatedAtMs int64  `json:"createdAt"`
	UpdatedAtMs int64  `json:"updatedAt"`
}

// AliasKey builds the alias-store key for an instrument identity:
// "manufacturer,model", plus the serial when the instrument reports
// one so two units of the same model carry distinct aliases. Aliases
// follow the physical instrument across ports and restarts.
func AliasKey(info driver.DeviceInfo) string {
	key := info.Manufacturer + "," + info.Model
	if info.Serial != "" {
		key += "," + info.Serial
	}
	return key
}

// Aliases returns the full alias table keyed by IDN.
func (s *Store) Aliases() (map[string]string, error) {
	out := make(map[string]string)
	err := s.forEach(bucketAliases, func(k, v []byte) error {
		var rec aliasRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("decode %s: %w", k, err)
		}
		out[string(k)] = rec.Alias
		return nil
	})
	if err != nil {
		s.log.LogStoreError("list", "aliases", err)
		return nil, &Error{Op: "list", Key: "aliases", Err: err}
	}
	return out, nil
}

// SetAlias records alias under idn, preserving the creation time on
// overwrite. The alias must be non-empty; clearing goes through
// ClearAlias.
func (s *Store) SetAlias(idn, alias string) error {
	if idn == "" {
		return &Error{Op: "setAlias", Err: errEmptyIDN}
	}
	if alias == "" {
		return &Error{Op: "setAlias", Key: idn, Err: errorString("empty alias")}
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAliases)
		now := s.nowMs()
		rec := aliasRecord{Alias: alias, CreatedAtMs: now, UpdatedAtMs: now}
		if raw := b.Get([]byte(idn)); raw != nil {
			var prev aliasRecord
			if err := json.Unmarshal(raw, &prev); err == nil {
				rec.CreatedAtMs = prev.CreatedAtMs
			}
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(idn), data)
	})
	if err != nil {
		s.log.LogStoreError("setAlias", idn, err)
		return &Error{Op: "setAlias", Key: idn, Err: err}
	}
	return nil
}

// ClearAlias removes the alias for idn. Clearing an absent alias is
// not an error.
func (s *Store) ClearAlias(idn string) error {
	if idn == "" {
		return &Error{Op: "clearAlias", Err: errEmptyIDN}
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAliases).Delete([]byte(idn))
	})
	if err != nil {
		s.log.LogStoreError("clearAlias", idn, err)
		return &Error{Op: "clearAlias", Key: idn, Err: err}
	}
	return nil
}
