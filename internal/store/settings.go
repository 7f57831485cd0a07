package store

import (
	"fmt"

	"github.com/goccy/go-json"
	bolt "go.etcd.io/bbolt"

	"github.com/benchlab/benchd/internal/sequence"
	"github.com/benchlab/benchd/internal/trigger"
)

// Settings is the full exportable configuration document: every
// stored sequence, trigger script and alias in one place.
type Settings struct {
	Version   int                   `json:"version"`
	Sequences []sequence.Definition `json:"sequences"`
	Scripts   []trigger.Script      `json:"scripts"`
	Aliases   map[string]string     `json:"aliases"`
}

// settingsVersion tags exports so a future layout change can migrate
// old documents.
const settingsVersion = 1

// ImportCounts reports how many records an import wrote per namespace.
type ImportCounts struct {
	Sequences int
	Scripts   int
	Aliases   int
}

// ExportSettings snapshots all three namespaces in one read
// transaction so the document is internally consistent even while
// writes continue.
func (s *Store) ExportSettings() (Settings, error) {
	doc := Settings{
		Version:   settingsVersion,
		Sequences: []sequence.Definition{},
		Scripts:   []trigger.Script{},
		Aliases:   map[string]string{},
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketSequences).ForEach(func(k, v []byte) error {
			var def sequence.Definition
			if err := json.Unmarshal(v, &def); err != nil {
				return fmt.Errorf("decode sequence %s: %w", k, err)
			}
			doc.Sequences = append(doc.Sequences, def)
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketScripts).ForEach(func(k, v []byte) error {
			var script trigger.Script
			if err := json.Unmarshal(v, &script); err != nil {
				return fmt.Errorf("decode script %s: %w", k, err)
			}
			doc.Scripts = append(doc.Scripts, script)
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(bucketAliases).ForEach(func(k, v []byte) error {
			var rec aliasRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode alias %s: %w", k, err)
			}
			doc.Aliases[string(k)] = rec.Alias
			return nil
		})
	})
	if err != nil {
		s.log.LogStoreError("export", "", err)
		return Settings{}, &Error{Op: "export", Err: err}
	}
	sortByCreation(doc.Sequences, func(d sequence.Definition) (int64, string) { return d.CreatedAtMs, d.ID })
	sortByCreation(doc.Scripts, func(sc trigger.Script) (int64, string) { return sc.CreatedAtMs, sc.ID })
	return doc, nil
}

// ImportSettings validates every record up front, then writes all of
// them in one transaction: either the whole document applies or none
// of it does. Records replace existing entries with the same ID;
// entries the document does not name are left alone. Records arriving
// without an ID are assigned one.
func (s *Store) ImportSettings(doc Settings) (ImportCounts, error) {
	now := s.nowMs()
	for i := range doc.Sequences {
		def := &doc.Sequences[i]
		if err := sequence.ValidateDefinition(*def); err != nil {
			return ImportCounts{}, &Error{Op: "import", Key: def.ID, Err: err}
		}
		if def.ID == "" {
			def.ID = sequenceIDPrefix + s.newID()
		}
		if def.CreatedAtMs == 0 {
			def.CreatedAtMs = now
		}
		def.UpdatedAtMs = now
	}
	for i := range doc.Scripts {
		script := &doc.Scripts[i]
		if err := trigger.ValidateScript(*script); err != nil {
			return ImportCounts{}, &Error{Op: "import", Key: script.ID, Err: err}
		}
		if script.ID == "" {
			script.ID = scriptIDPrefix + s.newID()
		}
		if script.CreatedAtMs == 0 {
			script.CreatedAtMs = now
		}
		script.UpdatedAtMs = now
	}
	for idn, alias := range doc.Aliases {
		if idn == "" || alias == "" {
			return ImportCounts{}, &Error{Op: "import", Key: idn, Err: errEmptyIDN}
		}
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		seqs := tx.Bucket(bucketSequences)
		for _, def := range doc.Sequences {
			data, err := json.Marshal(def)
			if err != nil {
				return err
			}
			if err := seqs.Put([]byte(def.ID), data); err != nil {
				return err
			}
		}
		scripts := tx.Bucket(bucketScripts)
		for _, script := range doc.Scripts {
			data, err := json.Marshal(script)
			if err != nil {
				return err
			}
			if err := scripts.Put([]byte(script.ID), data); err != nil {
				return err
			}
		}
		aliases := tx.Bucket(bucketAliases)
		for idn, alias := range doc.Aliases {
			rec := aliasRecord{Alias: alias, CreatedAtMs: now, UpdatedAtMs: now}
			if raw := aliases.Get([]byte(idn)); raw != nil {
				var prev aliasRecord
				if err := json.Unmarshal(raw, &prev); err == nil {
					rec.CreatedAtMs = prev.CreatedAtMs
				}
			}
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := aliases.Put([]byte(idn), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.log.LogStoreError("import", "", err)
		return ImportCounts{}, &Error{Op: "import", Err: err}
	}
	return ImportCounts{
		Sequences: len(doc.Sequences),
		Scripts:   len(doc.Scripts),
		Aliases:   len(doc.Aliases),
	}, nil
}
