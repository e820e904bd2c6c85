// Copyright 2024 The Quorumkv Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package paxos

import (
	"encoding/json"
	"fmt"

	"github.com/quorumkv/quorumkv/golibs/cast"
	"github.com/quorumkv/quorumkv/golibs/errors"
	"github.com/quorumkv/quorumkv/golibs/logging"
	"github.com/tidwall/buntdb"
)

// AcceptorState is what an acceptor must persist, durably and atomically, before it may reply
// to a PREPARE or PROPOSE: the highest proposalID it has promised, and the highest-numbered
// value it has accepted so far (if any). Losing this between a promise and a reboot would let
// the acceptor promise the same round twice and violate safety.
type AcceptorState struct {
	PromisedProposal ProposalID `json:"promisedProposal"`
	AcceptedProposal ProposalID `json:"acceptedProposal"`
	AcceptedValue    Value      `json:"acceptedValue"`
	HasAccepted      bool       `json:"hasAccepted"`
}

// Store persists one AcceptorState per PaxosID, plus the node's restart counter, in a BuntDB
// database (in-memory if StoreConfig.DBFilePath is empty — handy for tests and for PaxosLease's
// short-lived election rounds).
type Store struct {
	db     *buntdb.DB
	logger logging.Logger
}

// StoreConfig configures a Store.
type StoreConfig struct {
	// DBFilePath is the BuntDB file path; empty selects the in-memory backend.
	DBFilePath string
}

// OpenStore opens (creating if necessary) the acceptor-state database at cfg.DBFilePath.
func OpenStore(cfg StoreConfig) (*Store, error) {
	path := cfg.DBFilePath
	if len(path) == 0 {
		path = ":memory:"
	}
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("paxos: buntdb.Open(%s) failed: %w", path, err)
	}
	return &Store{db: db, logger: logging.NewLogger("paxos.Store")}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RestartCounter returns the persisted restart counter, incrementing and persisting it first.
// A proposer calls this once at startup so every ProposalID it mints this process lifetime is
// greater than any it minted in a previous one.
func (s *Store) RestartCounter() (uint64, error) {
	tx := mustBeginTx(s.db, true)
	defer mustRollback(tx)

	const key = "/restartCounter"
	var counter uint64
	val, err := getValue(tx, key)
	if err != nil && !errors.Is(err, errors.ErrNotExist) {
		return 0, err
	}
	if err == nil {
		counter = mustUnmarshal[uint64](val)
	}
	counter++

	if _, _, err := tx.Set(key, mustMarshal(counter), nil); err != nil {
		return 0, fmt.Errorf("paxos: persisting restart counter: %w", err)
	}
	mustCommit(tx)
	return counter, nil
}

// Load returns the persisted AcceptorState for paxosID, or the zero value if none has been
// recorded yet (meaning the acceptor has never seen a message for this instance).
func (s *Store) Load(paxosID PaxosID) (AcceptorState, error) {
	tx := mustBeginTx(s.db, false)
	defer mustRollback(tx)

	val, err := getValue(tx, stateKey(paxosID))
	if err != nil {
		if errors.Is(err, errors.ErrNotExist) {
			return AcceptorState{}, nil
		}
		return AcceptorState{}, err
	}
	return mustUnmarshal[AcceptorState](val), nil
}

// Save persists st for paxosID. Callers must hold this durable before replying to the message
// that produced the new state.
func (s *Store) Save(paxosID PaxosID, st AcceptorState) error {
	tx := mustBeginTx(s.db, true)
	defer mustRollback(tx)

	key := stateKey(paxosID)
	val := mustMarshal(st)
	if _, _, err := tx.Set(key, val, nil); err != nil {
		return fmt.Errorf("paxos: tx.Set(%s) failed: %w", key, err)
	}
	mustCommit(tx)
	return nil
}

// Forget deletes the persisted state for paxosID, once the value is chosen and every learner
// has it durably, so the acceptor database does not grow without bound.
func (s *Store) Forget(paxosID PaxosID) error {
	tx := mustBeginTx(s.db, true)
	defer mustRollback(tx)

	if _, err := tx.Delete(stateKey(paxosID)); err != nil && !errors.Is(err, buntdb.ErrNotFound) {
		return fmt.Errorf("paxos: tx.Delete(%s) failed: %w", stateKey(paxosID), err)
	}
	mustCommit(tx)
	return nil
}

func stateKey(paxosID PaxosID) string {
	return fmt.Sprintf("/acceptor/%020d", uint64(paxosID))
}

// ===================================== buntdb helpers =====================================
// Mirrors the transaction-helper shape used by the storage layer's own BuntDB-backed store.

func mustBeginTx(db *buntdb.DB, writable bool) *buntdb.Tx {
	tx, err := db.Begin(writable)
	if err != nil {
		panic(fmt.Errorf("paxos: mustBeginTx(%t) failed: %v", writable, err))
	}
	return tx
}

func mustCommit(tx *buntdb.Tx) {
	if err := tx.Commit(); err != nil {
		panic(fmt.Errorf("paxos: mustCommit() failed: %v", err))
	}
}

func mustRollback(tx *buntdb.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, buntdb.ErrTxClosed) {
		panic(fmt.Errorf("paxos: mustRollback() failed: %v", err))
	}
}

func getValue(tx *buntdb.Tx, key string) (string, error) {
	val, err := tx.Get(key, true)
	if err != nil && errors.Is(err, buntdb.ErrNotFound) {
		return "", errors.ErrNotExist
	}
	if err != nil {
		return "", fmt.Errorf("paxos: getValue(%s) failed: %w", key, err)
	}
	return val, nil
}

func mustMarshal[T any](obj T) string {
	bytes, err := json.Marshal(obj)
	if err != nil {
		panic(fmt.Errorf("paxos: mustMarshal() failed: %v", err))
	}
	return cast.ByteArrayToString(bytes)
}

func mustUnmarshal[T any](val string) T {
	bytes := cast.StringToByteArray(val)
	e := new(T)
	if err := json.Unmarshal(bytes, e); err != nil {
		panic(fmt.Errorf("paxos: mustUnmarshal() failed: %v", err))
	}
	return *e
}
