// registry.go
package schedule

import (
	"bufio"
	"io"
	"os"
	"sync"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"
)

// registryRecord is one append-only YAML document in the registry log.
type registryRecord struct {
	Op          string                 `yaml:"op"`
	ID          ParticipantId          `yaml:"id,omitempty"`
	Description ParticipantDescription `yaml:"description,omitempty"`
}

const (
	registryOpRegister   = "register"
	registryOpUnregister = "unregister"
)

// ParticipantRegistry wraps a Database with the durable, append-only
// registration log described in spec §4.2/§6 ("Persisted state"): every
// register/unregister is fsynced under an exclusive file lock before it
// is considered to have happened, so a restart can replay the exact
// sequence of registrations.
type ParticipantRegistry struct {
	db   *Database
	mu   sync.Mutex
	file *os.File
	lock *flock.Flock
	enc  *yaml.Encoder
}

// OpenParticipantRegistry opens (creating if absent) the registry log at
// path, replays it onto db, and returns a registry ready to accept new
// registrations. The file lock is held for the registry's lifetime.
func OpenParticipantRegistry(path string, db *Database) (*ParticipantRegistry, error) {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, &RegistryIOError{Op: "lock", Err: err}
	}
	if !locked {
		return nil, &RegistryIOError{Op: "lock", Err: errAlreadyLocked}
	}

	if err := replayRegistryLog(path, db); err != nil {
		lock.Unlock()
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		lock.Unlock()
		return nil, &RegistryIOError{Op: "open", Err: err}
	}

	return &ParticipantRegistry{
		db:   db,
		file: f,
		lock: lock,
		enc:  yaml.NewEncoder(f),
	}, nil
}

func replayRegistryLog(path string, db *Database) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return &RegistryIOError{Op: "open_for_replay", Err: err}
	}
	defer f.Close()

	dec := yaml.NewDecoder(bufio.NewReader(f))
	for {
		var rec registryRecord
		if err := dec.Decode(&rec); err != nil {
			if err == io.EOF {
				break
			}
			return &RegistryIOError{Op: "decode_replay", Err: err}
		}
		switch rec.Op {
		case registryOpRegister:
			if _, _, err := db.Register(rec.Description); err != nil {
				return &RegistryIOError{Op: "replay_register", Err: err}
			}
		case registryOpUnregister:
			// Unregistration of an id not present (e.g. it was replayed
			// under a different generated id) is not fatal to replay.
			_ = db.Unregister(rec.ID)
		}
	}
	return nil
}

// RegisterParticipant registers desc with the Database, then durably
// appends the record to the registry log. A log-append failure is
// reported as a RegistryIOError together with the id; the registration
// is then visible in memory but not durable, and the service keeps
// running.
func (r *ParticipantRegistry) RegisterParticipant(desc ParticipantDescription) (ParticipantId, Version, error) {
	id, version, err := r.db.Register(desc)
	if err != nil {
		return 0, 0, err
	}
	if err := r.append(registryRecord{Op: registryOpRegister, ID: id, Description: desc}); err != nil {
		return id, version, err
	}
	return id, version, nil
}

// UnregisterParticipant erases id's itinerary in the Database and
// durably appends the unregistration record.
func (r *ParticipantRegistry) UnregisterParticipant(id ParticipantId) error {
	if err := r.db.Unregister(id); err != nil {
		return err
	}
	return r.append(registryRecord{Op: registryOpUnregister, ID: id})
}

func (r *ParticipantRegistry) append(rec registryRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	// Every record starts with its own "---" separator, so records
	// appended after a reopen stay separate documents on replay.
	data, err := yaml.Marshal(rec)
	if err != nil {
		return &RegistryIOError{Op: "append", Err: err}
	}
	if _, err := r.file.Write(append([]byte("---\n"), data...)); err != nil {
		return &RegistryIOError{Op: "append", Err: err}
	}
	if err := r.file.Sync(); err != nil {
		return &RegistryIOError{Op: "fsync", Err: err}
	}
	return nil
}

// Close releases the log file and its lock.
func (r *ParticipantRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_ = r.enc.Close()
	err := r.file.Close()
	r.lock.Unlock()
	return err
}

var errAlreadyLocked = registryLockError{}

type registryLockError struct{}

func (registryLockError) Error() string { return "registry log already locked by another process" }
