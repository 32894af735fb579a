package collab

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-playground/assert/v2"
)

func TestStoreHistory(t *testing.T) {
	store, err := NewMemoryStore()
	assert.Equal(t, err, nil)
	defer store.Close()

	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1700000000000))
	history := NewHistoryTree(mock, unitsWithContent("v0"), DefaultHistorySettings())
	history.Push(HistoryActionEdit, "edit", unitsWithContent("v1"), "pa", "ana")
	data, err := history.MarshalPersist()
	assert.Equal(t, err, nil)

	assert.Equal(t, store.SaveHistory("plan.md", data), nil)

	loaded, ok, err := store.LoadHistory("plan.md")
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, true)
	restored, err := UnmarshalHistoryTree(loaded, mock, DefaultHistorySettings())
	assert.Equal(t, err, nil)
	assert.Equal(t, restored.Current().Units[0].Content, "v1")

	_, ok, err = store.LoadHistory("other.md")
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, false)

	assert.Equal(t, store.SaveHistory("a.md", data), nil)
	documentPaths, err := store.HistoryPaths()
	assert.Equal(t, err, nil)
	assert.Equal(t, documentPaths, []string{"a.md", "plan.md"})

	assert.Equal(t, store.DeleteHistory("plan.md"), nil)
	_, ok, _ = store.LoadHistory("plan.md")
	assert.Equal(t, ok, false)
}

func TestStoreAddresses(t *testing.T) {
	store, err := NewMemoryStore()
	assert.Equal(t, err, nil)
	defer store.Close()

	firstTime := time.UnixMilli(1700000000000)
	assert.Equal(t, store.SaveAddress("wss://hub.example.com", firstTime), nil)
	assert.Equal(t, store.SaveAddress("tcp://10.0.0.2:9000", firstTime.Add(time.Minute)), nil)
	// saving again overwrites, it does not duplicate
	assert.Equal(t, store.SaveAddress("wss://hub.example.com", firstTime.Add(time.Hour)), nil)

	addresses, err := store.Addresses()
	assert.Equal(t, err, nil)
	assert.Equal(t, len(addresses), 2)

	byAddress := map[string]*KnownAddress{}
	for _, knownAddress := range addresses {
		byAddress[knownAddress.Address] = knownAddress
	}
	assert.Equal(t, byAddress["wss://hub.example.com"].LastConnectTime.Equal(firstTime.Add(time.Hour)), true)
	assert.Equal(t, byAddress["tcp://10.0.0.2:9000"].LastConnectTime.Equal(firstTime.Add(time.Minute)), true)
}

func TestStoreDisk(t *testing.T) {
	dirPath := t.TempDir()

	store, err := NewStore(dirPath)
	assert.Equal(t, err, nil)
	assert.Equal(t, store.SaveHistory("plan.md", []byte(`{"rootId":"r"}`)), nil)
	assert.Equal(t, store.Close(), nil)

	// state survives a reopen
	store, err = NewStore(dirPath)
	assert.Equal(t, err, nil)
	defer store.Close()
	data, ok, err := store.LoadHistory("plan.md")
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, true)
	assert.Equal(t, string(data), `{"rootId":"r"}`)
}
