package tasksync

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/golang/glog"
	"golang.org/x/exp/slices"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// durable state across restarts: the pending mutation log and the cache snapshot
//
// keys:
//   pending/<clientMutationId> -> structpb.Struct record
//   cache/snapshot             -> json CacheSnapshot

const pendingKeyPrefix = "pending/"
const snapshotKey = "cache/snapshot"

func DefaultStoreSettings() *StoreSettings {
	return &StoreSettings{
		InMemory:   false,
		SyncWrites: true,
	}
}

type StoreSettings struct {
	Path       string `yaml:"path"`
	InMemory   bool   `yaml:"in_memory"`
	SyncWrites bool   `yaml:"sync_writes"`
}

type Store struct {
	db *badger.DB
}

func OpenStore(settings *StoreSettings) (*Store, error) {
	var opts badger.Options
	if settings.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if settings.Path == "" {
			return nil, errors.New("Store path is required.")
		}
		if err := os.MkdirAll(settings.Path, 0750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", settings.Path, err)
		}
		opts = badger.DefaultOptions(settings.Path)
	}
	opts = opts.WithSyncWrites(settings.SyncWrites)
	opts = opts.WithLogger(newBadgerLogger())

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &Store{
		db: db,
	}, nil
}

func (self *Store) Close() error {
	return self.db.Close()
}

// `PendingStore` implementation

func (self *Store) PutPending(pending *PendingMutation) error {
	value, err := encodePending(pending)
	if err != nil {
		return err
	}
	return self.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(pendingKeyPrefix+pending.ClientMutationId), value)
	})
}

func (self *Store) DeletePending(clientMutationId string) error {
	return self.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(pendingKeyPrefix + clientMutationId))
	})
}

// pending mutations in submission order
func (self *Store) ListPending() ([]*PendingMutation, error) {
	pendings := []*PendingMutation{}
	err := self.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(pendingKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			err := item.Value(func(value []byte) error {
				pending, err := decodePending(value)
				if err != nil {
					// a record from an incompatible version is dropped on replay
					glog.Infof("[store]bad pending record %s = %s\n", item.Key(), err)
					return nil
				}
				pendings = append(pendings, pending)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(pendings, func(a *PendingMutation, b *PendingMutation) int {
		if c := a.SubmittedAt.Compare(b.SubmittedAt); c != 0 {
			return c
		}
		// same millisecond
		switch {
		case a.Id.LessThan(b.Id):
			return -1
		case b.Id.LessThan(a.Id):
			return 1
		default:
			return 0
		}
	})
	return pendings, nil
}

func (self *Store) SaveSnapshot(snapshot *CacheSnapshot) error {
	value, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return self.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(snapshotKey), value)
	})
}

// returns nil when no snapshot was saved
func (self *Store) LoadSnapshot() (*CacheSnapshot, error) {
	var snapshot *CacheSnapshot
	err := self.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(snapshotKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(value []byte) error {
			snapshot = &CacheSnapshot{}
			return json.Unmarshal(value, snapshot)
		})
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

func encodePending(pending *PendingMutation) ([]byte, error) {
	variables, _ := toJsonValue(pending.Variables).(map[string]any)
	if variables == nil {
		variables = map[string]any{}
	}
	record, err := structpb.NewStruct(map[string]any{
		"id":               pending.Id.String(),
		"clientMutationId": pending.ClientMutationId,
		"mutationName":     pending.MutationName,
		"planName":         pending.PlanName,
		"document":         pending.Document,
		"variables":        variables,
		"entityKind":       string(pending.EntityKind),
		"entityId":         pending.EntityId,
		"submittedAt":      float64(pending.SubmittedAt.UnixMilli()),
		"attempt":          float64(pending.Attempt),
	})
	if err != nil {
		return nil, err
	}
	return proto.Marshal(record)
}

func decodePending(value []byte) (*PendingMutation, error) {
	record := &structpb.Struct{}
	if err := proto.Unmarshal(value, record); err != nil {
		return nil, err
	}
	fields := record.AsMap()

	clientMutationId, _ := fields["clientMutationId"].(string)
	if clientMutationId == "" {
		return nil, errors.New("Missing client mutation id.")
	}
	pending := &PendingMutation{
		ClientMutationId: clientMutationId,
		Variables:        Variables{},
	}
	if idString, ok := fields["id"].(string); ok {
		if id, err := ParseId(idString); err == nil {
			pending.Id = id
		}
	}
	if pending.Id == (Id{}) {
		pending.Id = NewId()
	}
	pending.MutationName, _ = fields["mutationName"].(string)
	pending.PlanName, _ = fields["planName"].(string)
	pending.Document, _ = fields["document"].(string)
	if variables, ok := fields["variables"].(map[string]any); ok {
		pending.Variables = variables
	}
	if entityKind, ok := fields["entityKind"].(string); ok {
		pending.EntityKind = EntityKind(entityKind)
	}
	pending.EntityId, _ = fields["entityId"].(string)
	if submittedAt, ok := fields["submittedAt"].(float64); ok {
		pending.SubmittedAt = time.UnixMilli(int64(submittedAt))
	} else {
		// ids are created at submission
		pending.SubmittedAt = time.UnixMilli(int64(pending.Id.Time()))
	}
	if attempt, ok := fields["attempt"].(float64); ok {
		pending.Attempt = int(attempt)
	}
	return pending, nil
}

// routes badger's internal logging to glog
type badgerLogger struct {
	info  LogFunction
	debug LogFunction
}

func newBadgerLogger() *badgerLogger {
	return &badgerLogger{
		info:  LogFn(LogLevelLifecycle, "[badger]"),
		debug: LogFn(LogLevelTrace, "[badger]"),
	}
}

func (self *badgerLogger) Errorf(format string, args ...any) {
	glog.Errorf("[badger]"+format, args...)
}

func (self *badgerLogger) Warningf(format string, args ...any) {
	glog.Warningf("[badger]"+format, args...)
}

func (self *badgerLogger) Infof(format string, args ...any) {
	self.info(format, args...)
}

func (self *badgerLogger) Debugf(format string, args ...any) {
	self.debug(format, args...)
}
