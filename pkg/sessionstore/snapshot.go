package sessionstore

import (
	"fmt"
	"time"

	"github.com/Sumatoshi-tech/rdlserve/pkg/persist"
)

// snapshotBasename is the file name (without extension) of a saved store.
const snapshotBasename = "sessions"

// Snapshot is the serializable form of a Store.
type Snapshot struct {
	Sessions []SessionSnapshot `json:"sessions" cbor:"sessions"`
}

// SessionSnapshot holds one session.
type SessionSnapshot struct {
	ID         string             `json:"id" cbor:"id"`
	LastAccess time.Time          `json:"last_access" cbor:"last_access"`
	Artifacts  []ArtifactSnapshot `json:"artifacts" cbor:"artifacts"`
}

// ArtifactSnapshot holds one artifact in its stored (possibly compressed) form.
type ArtifactSnapshot struct {
	Name        string      `json:"name" cbor:"name"`
	Compression Compression `json:"compression" cbor:"compression"`
	Size        int         `json:"size" cbor:"size"`
	Data        []byte      `json:"data" cbor:"data"`
}

// Snapshot copies the current contents of the store.
func (st *Store) Snapshot() *Snapshot {
	snap := &Snapshot{}

	for _, sh := range st.shards {
		sh.mu.RLock()

		for id, sess := range sh.sessions {
			snap.Sessions = append(snap.Sessions, sess.snapshot(id))
		}

		sh.mu.RUnlock()
	}

	return snap
}

func (s *session) snapshot(id string) SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := SessionSnapshot{
		ID:         id,
		LastAccess: time.Unix(0, s.lastAccess.Load()).UTC(),
		Artifacts:  make([]ArtifactSnapshot, 0, len(s.artifacts)),
	}

	for name, b := range s.artifacts {
		out.Artifacts = append(out.Artifacts, ArtifactSnapshot{
			Name:        name,
			Compression: b.codec,
			Size:        b.size,
			Data:        append([]byte(nil), b.data...),
		})
	}

	return out
}

// Restore merges snap into the store. Existing artifacts with the same
// session and name are overwritten.
func (st *Store) Restore(snap *Snapshot) error {
	if snap == nil {
		return nil
	}

	for _, saved := range snap.Sessions {
		err := st.update(saved.ID, func(sess *session) error {
			sess.mu.Lock()
			defer sess.mu.Unlock()

			for _, art := range saved.Artifacts {
				if art.Compression > CompressionZstd {
					return fmt.Errorf("restore %s/%s: %w: %d", saved.ID, art.Name, ErrUnknownCompression, art.Compression)
				}

				sess.artifacts[art.Name] = blob{codec: art.Compression, size: art.Size, data: art.Data}
			}

			sess.lastAccess.Store(saved.LastAccess.UnixNano())

			return nil
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// Save writes a snapshot of the store into dir using codec.
func (st *Store) Save(dir string, codec persist.Codec) error {
	p := persist.NewPersister[Snapshot](snapshotBasename, codec)

	err := p.Save(dir, st.Snapshot)
	if err != nil {
		return fmt.Errorf("save sessions: %w", err)
	}

	return nil
}

// Load restores a snapshot previously written by Save.
func (st *Store) Load(dir string, codec persist.Codec) error {
	var restoreErr error

	p := persist.NewPersister[Snapshot](snapshotBasename, codec)

	err := p.Load(dir, func(snap *Snapshot) { restoreErr = st.Restore(snap) })
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	return restoreErr
}
