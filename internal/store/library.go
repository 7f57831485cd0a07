package store

import (
	"fmt"
	"sort"

	"github.com/goccy/go-json"
	bolt "go.etcd.io/bbolt"

	"github.com/benchlab/benchd/internal/sequence"
	"github.com/benchlab/benchd/internal/trigger"
)

// SequenceLibrary stores sequence definitions. It satisfies
// sequence.DefinitionSource so the engine resolves IDs through it.
type SequenceLibrary struct {
	s *Store
}

// Sequences returns the sequence library.
func (s *Store) Sequences() *SequenceLibrary {
	return &SequenceLibrary{s: s}
}

// List returns all definitions in creation order.
func (l *SequenceLibrary) List() ([]sequence.Definition, error) {
	var out []sequence.Definition
	err := l.s.forEach(bucketSequences, func(k, v []byte) error {
		var def sequence.Definition
		if err := json.Unmarshal(v, &def); err != nil {
			return fmt.Errorf("decode %s: %w", k, err)
		}
		out = append(out, def)
		return nil
	})
	if err != nil {
		l.s.log.LogStoreError("list", "sequences", err)
		return nil, &Error{Op: "list", Err: err}
	}
	sortByCreation(out, func(d sequence.Definition) (int64, string) { return d.CreatedAtMs, d.ID })
	return out, nil
}

// Get implements sequence.DefinitionSource.
func (l *SequenceLibrary) Get(id string) (sequence.Definition, error) {
	var def sequence.Definition
	if err := l.s.get(bucketSequences, id, &def); err != nil {
		return sequence.Definition{}, &Error{Op: "get", Key: id, Err: err}
	}
	return def, nil
}

// Save stores def as a new record and returns the assigned ID. Any
// client-supplied ID or timestamps are discarded.
func (l *SequenceLibrary) Save(def sequence.Definition) (string, error) {
	now := l.s.nowMs()
	def.ID = sequenceIDPrefix + l.s.newID()
	def.CreatedAtMs = now
	def.UpdatedAtMs = now
	if err := l.s.put(bucketSequences, def.ID, def); err != nil {
		l.s.log.LogStoreError("save", def.ID, err)
		return "", &Error{Op: "save", Key: def.ID, Err: err}
	}
	return def.ID, nil
}

// Update replaces the stored record with def, keeping its creation
// time. The record must exist.
func (l *SequenceLibrary) Update(def sequence.Definition) error {
	if def.ID == "" {
		return &Error{Op: "update", Err: ErrMissingID}
	}
	err := l.s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSequences)
		raw := b.Get([]byte(def.ID))
		if raw == nil {
			return ErrNotFound
		}
		var prev sequence.Definition
		if err := json.Unmarshal(raw, &prev); err != nil {
			return err
		}
		def.CreatedAtMs = prev.CreatedAtMs
		def.UpdatedAtMs = l.s.nowMs()
		data, err := json.Marshal(def)
		if err != nil {
			return err
		}
		return b.Put([]byte(def.ID), data)
	})
	if err != nil {
		l.s.log.LogStoreError("update", def.ID, err)
		return &Error{Op: "update", Key: def.ID, Err: err}
	}
	return nil
}

// Delete removes the record. The record must exist.
func (l *SequenceLibrary) Delete(id string) error {
	if err := l.s.deleteKey(bucketSequences, id); err != nil {
		l.s.log.LogStoreError("delete", id, err)
		return &Error{Op: "delete", Key: id, Err: err}
	}
	return nil
}

// ScriptLibrary stores trigger scripts. It satisfies
// trigger.ScriptSource so the engine resolves IDs through it.
type ScriptLibrary struct {
	s *Store
}

// Scripts returns the trigger-script library.
func (s *Store) Scripts() *ScriptLibrary {
	return &ScriptLibrary{s: s}
}

// List returns all scripts in creation order.
func (l *ScriptLibrary) List() ([]trigger.Script, error) {
	var out []trigger.Script
	err := l.s.forEach(bucketScripts, func(k, v []byte) error {
		var script trigger.Script
		if err := json.Unmarshal(v, &script); err != nil {
			return fmt.Errorf("decode %s: %w", k, err)
		}
		out = append(out, script)
		return nil
	})
	if err != nil {
		l.s.log.LogStoreError("list", "scripts", err)
		return nil, &Error{Op: "list", Err: err}
	}
	sortByCreation(out, func(s trigger.Script) (int64, string) { return s.CreatedAtMs, s.ID })
	return out, nil
}

// Get implements trigger.ScriptSource.
func (l *ScriptLibrary) Get(id string) (trigger.Script, error) {
	var script trigger.Script
	if err := l.s.get(bucketScripts, id, &script); err != nil {
		return trigger.Script{}, &Error{Op: "get", Key: id, Err: err}
	}
	return script, nil
}

// Save stores script as a new record and returns the assigned ID. Any
// client-supplied ID or timestamps are discarded.
func (l *ScriptLibrary) Save(script trigger.Script) (string, error) {
	now := l.s.nowMs()
	script.ID = scriptIDPrefix + l.s.newID()
	script.CreatedAtMs = now
	script.UpdatedAtMs = now
	if err := l.s.put(bucketScripts, script.ID, script); err != nil {
		l.s.log.LogStoreError("save", script.ID, err)
		return "", &Error{Op: "save", Key: script.ID, Err: err}
	}
	return script.ID, nil
}

// Update replaces the stored record with script, keeping its creation
// time. The record must exist.
func (l *ScriptLibrary) Update(script trigger.Script) error {
	if script.ID == "" {
		return &Error{Op: "update", Err: ErrMissingID}
	}
	err := l.s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketScripts)
		raw := b.Get([]byte(script.ID))
		if raw == nil {
			return ErrNotFound
		}
		var prev trigger.Script
		if err := json.Unmarshal(raw, &prev); err != nil {
			return err
		}
		script.CreatedAtMs = prev.CreatedAtMs
		script.UpdatedAtMs = l.s.nowMs()
		data, err := json.Marshal(script)
		if err != nil {
			return err
		}
		return b.Put([]byte(script.ID), data)
	})
	if err != nil {
		l.s.log.LogStoreError("update", script.ID, err)
		return &Error{Op: "update", Key: script.ID, Err: err}
	}
	return nil
}

// Delete removes the record. The record must exist.
func (l *ScriptLibrary) Delete(id string) error {
	if err := l.s.deleteKey(bucketScripts, id); err != nil {
		l.s.log.LogStoreError("delete", id, err)
		return &Error{Op: "delete", Key: id, Err: err}
	}
	return nil
}

func sortByCreation[T any](items []T, key func(T) (int64, string)) {
	sort.Slice(items, func(i, j int) bool {
		ci, idi := key(items[i])
		cj, idj := key(items[j])
		if ci != cj {
			return ci < cj
		}
		return idi < idj
	})
}
