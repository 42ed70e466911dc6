package main

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/syndtr/goleveldb/leveldb"
)

func TestParameterHistoryRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")

	history, err := LoadParameterHistory(dir)
	if err != nil || history != nil {
		t.Fatalf("Expected missing file to load as empty, got %v err=%v", history, err)
	}

	v1 := DefaultParameterSet()
	v2 := DefaultParameterSet().With(ParamKTransfer, 2)
	v2.Version = 2
	v2.Changes = []ParameterChange{{Name: ParamKTransfer, Old: 1, New: 2, Trigger: MetricDoubleSpendRate, Metric: 0.05}}

	if err := SaveParameterHistory(dir, []ParameterSet{v1, v2}); err != nil {
		t.Fatalf("SaveParameterHistory failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, parameterHistoryFilename+".tmp")); !os.IsNotExist(err) {
		t.Error("Expected the temporary file to be renamed away")
	}

	loaded, err := LoadParameterHistory(dir)
	if err != nil {
		t.Fatalf("LoadParameterHistory failed: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("Expected 2 versions, got %d", len(loaded))
	}
	if loaded[1].KTransfer != 2 || len(loaded[1].Changes) != 1 || loaded[1].Changes[0].Trigger != MetricDoubleSpendRate {
		t.Errorf("Unexpected restored version: %+v", loaded[1])
	}
}

func TestLoadParameterHistoryCorrupt(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, parameterHistoryFilename), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadParameterHistory(dir); err == nil {
		t.Error("Expected corrupt history to be an error")
	}
}

func TestLoadOrCreateNodeKey(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateNodeKey(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateNodeKey failed: %v", err)
	}
	info, err := os.Stat(filepath.Join(dir, nodeKeyFilename))
	if err != nil {
		t.Fatalf("Expected key file to be written: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("Expected key file mode 0600, got %v", info.Mode().Perm())
	}

	second, err := LoadOrCreateNodeKey(dir)
	if err != nil {
		t.Fatalf("Failed to reload key: %v", err)
	}
	if first.PublicKeyHex() != second.PublicKeyHex() {
		t.Error("Expected the same key after reload")
	}

	sig, _ := second.Sign([]byte("hello"))
	if !VerifySignature(first.PublicKeyHex(), []byte("hello"), sig) {
		t.Error("Expected reloaded key to produce verifiable signatures")
	}

	if err := os.WriteFile(filepath.Join(dir, nodeKeyFilename), []byte("garbage"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadOrCreateNodeKey(dir); err == nil {
		t.Error("Expected a corrupt key file to be an error")
	}
}

func TestLevelDBFactStoreRejectsUnknownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), factStoreDirname)

	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	if err := putFactDBVersion(db, currentFactDBVersion+1); err != nil {
		t.Fatalf("Failed to write version: %v", err)
	}
	db.Close()

	if _, err := OpenLevelDBFactStore(path); err == nil {
		t.Error("Expected an unsupported store version to be refused")
	}
}

func TestLevelDBFactStoreReplayOrder(t *testing.T) {
	store, err := OpenLevelDBFactStore(filepath.Join(t.TempDir(), factStoreDirname))
	if err != nil {
		t.Fatalf("OpenLevelDBFactStore failed: %v", err)
	}
	defer store.Close()

	// more than 255 facts so sequence keys cross a byte boundary
	for i := 0; i < 300; i++ {
		if err := store.Append(FactAssertion, []byte(`{"n":`+strconv.Itoa(i)+`}`)); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	i := 0
	err = store.Replay(func(kind FactKind, data []byte) error {
		if kind != FactAssertion {
			t.Errorf("Expected assertion kind, got %s", kind)
		}
		if want := `{"n":` + strconv.Itoa(i) + `}`; string(data) != want {
			t.Fatalf("Expected fact %d to be %s, got %s", i, want, data)
		}
		i++
		return nil
	})
	if err != nil || i != 300 {
		t.Errorf("Expected 300 facts in order, got %d err=%v", i, err)
	}
}
