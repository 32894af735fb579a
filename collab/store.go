package collab

import (
	"encoding/json"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/golang/glog"
)

var (
	historyKeyPrefix = []byte("h/")
	addressKeyPrefix = []byte("a/")
)

// Store keeps document histories and known mesh addresses across runs.
type Store struct {
	db *badger.DB
}

func NewStore(dirPath string) (*Store, error) {
	options := badger.DefaultOptions(dirPath).
		WithLoggingLevel(badger.ERROR)
	db, err := badger.Open(options)
	if err != nil {
		return nil, err
	}
	return &Store{
		db: db,
	}, nil
}

// NewMemoryStore backs the store with memory only. State is lost on close.
func NewMemoryStore() (*Store, error) {
	options := badger.DefaultOptions("").
		WithInMemory(true).
		WithLoggingLevel(badger.ERROR)
	db, err := badger.Open(options)
	if err != nil {
		return nil, err
	}
	return &Store{
		db: db,
	}, nil
}

func historyKey(documentPath string) []byte {
	return append([]byte{}, append(historyKeyPrefix, []byte(documentPath)...)...)
}

func addressKey(address string) []byte {
	return append([]byte{}, append(addressKeyPrefix, []byte(address)...)...)
}

func (self *Store) SaveHistory(documentPath string, data []byte) error {
	return self.db.Update(func(txn *badger.Txn) error {
		return txn.Set(historyKey(documentPath), data)
	})
}

func (self *Store) LoadHistory(documentPath string) ([]byte, bool, error) {
	var data []byte
	err := self.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(historyKey(documentPath))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (self *Store) DeleteHistory(documentPath string) error {
	return self.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(historyKey(documentPath))
	})
}

// HistoryPaths lists every document with a stored history.
func (self *Store) HistoryPaths() ([]string, error) {
	documentPaths := []string{}
	err := self.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.Prefix = historyKeyPrefix
		options.PrefetchValues = false
		it := txn.NewIterator(options)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			documentPaths = append(documentPaths, strings.TrimPrefix(key, string(historyKeyPrefix)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return documentPaths, nil
}

type KnownAddress struct {
	Address         string    `json:"address"`
	LastConnectTime time.Time `json:"lastConnectTime"`
}

// SaveAddress remembers a mesh address that accepted a connection,
// so the next run can redial without discovery.
func (self *Store) SaveAddress(address string, lastConnectTime time.Time) error {
	knownAddress := &KnownAddress{
		Address:         address,
		LastConnectTime: lastConnectTime,
	}
	data, err := json.Marshal(knownAddress)
	if err != nil {
		return err
	}
	return self.db.Update(func(txn *badger.Txn) error {
		return txn.Set(addressKey(address), data)
	})
}

func (self *Store) Addresses() ([]*KnownAddress, error) {
	addresses := []*KnownAddress{}
	err := self.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.Prefix = addressKeyPrefix
		it := txn.NewIterator(options)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			knownAddress := &KnownAddress{}
			if err := json.Unmarshal(data, knownAddress); err != nil {
				glog.V(1).Infof("[s]skip bad address record: %v\n", err)
				continue
			}
			addresses = append(addresses, knownAddress)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return addresses, nil
}

func (self *Store) Close() error {
	return self.db.Close()
}
