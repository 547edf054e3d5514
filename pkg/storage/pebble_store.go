package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}

// NewMemStore opens a pebble instance on an in-memory filesystem.
func NewMemStore() (*PebbleStore, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// LoadAccount returns nil, nil if the account does not exist.
func (s *PebbleStore) LoadAccount(addr common.Address) (*AccountRecord, error) {
	var acc AccountRecord
	found, err := s.getJSON(accountKey(addr), &acc)
	if err != nil || !found {
		return nil, err
	}
	if acc.Positions == nil {
		acc.Positions = make(map[string]*PositionRecord)
	}
	return &acc, nil
}

func (s *PebbleStore) SaveAccount(acc *AccountRecord) error {
	data, err := json.Marshal(acc)
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}
	if err := s.db.Set(accountKey(acc.Address), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// LoadAllAccounts iterates the acc: prefix.
func (s *PebbleStore) LoadAllAccounts() ([]*AccountRecord, error) {
	prefix := []byte(prefixAccount)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*AccountRecord
	for iter.First(); iter.Valid(); iter.Next() {
		var acc AccountRecord
		if err := json.Unmarshal(iter.Value(), &acc); err != nil {
			continue // skip invalid entries
		}
		out = append(out, &acc)
	}
	return out, nil
}

// LoadSettlement returns nil, nil when the ticket was never settled.
func (s *PebbleStore) LoadSettlement(ticketID string) (*SettlementRecord, error) {
	var rec SettlementRecord
	found, err := s.getJSON(settlementKey(ticketID), &rec)
	if err != nil || !found {
		return nil, err
	}
	return &rec, nil
}

// CommitSettlement writes the settlement record and the updated account in
// one batch, so an account is never debited without the ticket being
// marked settled.
func (s *PebbleStore) CommitSettlement(rec *SettlementRecord, acc *AccountRecord) error {
	b := s.db.NewBatch()
	defer b.Close()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal settlement: %w", err)
	}
	if err := b.Set(settlementKey(rec.TicketID), data, nil); err != nil {
		return err
	}
	if acc != nil {
		accData, err := json.Marshal(acc)
		if err != nil {
			return fmt.Errorf("failed to marshal account: %w", err)
		}
		if err := b.Set(accountKey(acc.Address), accData, nil); err != nil {
			return err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit settlement: %w", err)
	}
	return nil
}

func (s *PebbleStore) SaveWindow(w *WindowRecord) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("failed to marshal window: %w", err)
	}
	return s.db.Set(windowKey(w.WindowID), data, pebble.NoSync)
}

func (s *PebbleStore) LoadWindow(windowID string) (*WindowRecord, error) {
	var w WindowRecord
	found, err := s.getJSON(windowKey(windowID), &w)
	if err != nil || !found {
		return nil, err
	}
	return &w, nil
}

// NewAccount returns an empty account record.
func NewAccount(addr common.Address) *AccountRecord {
	return &AccountRecord{
		Address:    addr,
		Balance:    decimal.Zero,
		UsedMargin: decimal.Zero,
		Positions:  make(map[string]*PositionRecord),
	}
}

func (s *PebbleStore) getJSON(key []byte, v any) (bool, error) {
	data, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer closer.Close()
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}
