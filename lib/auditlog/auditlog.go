// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package auditlog implements permissions_audit.log: an append-only,
// hash-chained record of elevated actions (a skip_permissions grant,
// an approved merge, an approved project teardown). Each line's hash
// covers the previous line's hash, so altering, reordering, or
// dropping any historical line is detectable by replaying the chain.
package auditlog

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

// domainKey separates this package's BLAKE3 keyed hash from any other
// use of BLAKE3 in the binary, following lib/artifact/hash.go's
// domain-separation idiom: a fixed 32-byte key, the ASCII domain name
// zero-padded, so the key stays inspectable in hex dumps.
type domainKey [32]byte

var entryDomainKey = domainKey{
	'a', 'r', 'c', 'h', '.', 'a', 'u', 'd', 'i', 't', 'l', 'o', 'g', '.',
	'e', 'n', 't', 'r', 'y', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// genesisHash seeds the chain before any entry has been written.
var genesisHash [32]byte

// Entry is one elevated action recorded in the audit log (spec.md §6:
// "one line per elevated action"): ISO-8601 instant, event kind,
// agent id, role, approver.
type Entry struct {
	Time     time.Time `json:"time"`
	Kind     string    `json:"kind"`
	AgentID  string    `json:"agent_id"`
	Role     string    `json:"role"`
	Approver string    `json:"approver"`
}

// record is the on-disk line shape: an Entry plus its position in the
// hash chain. PrevHash is the chain's tip hash before this entry was
// appended; Hash is the keyed BLAKE3 hash of this entry's canonical
// JSON concatenated with PrevHash.
type record struct {
	Entry
	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash"`
}

// Log is an append-only, hash-chained audit log file. Safe for
// concurrent use — every elevated-action call site appends directly
// rather than serializing through a single owner goroutine.
type Log struct {
	mu       sync.Mutex
	file     *os.File
	prevHash [32]byte
}

// Open opens (creating if necessary) the audit log at path, replaying
// any existing lines to recover the chain's current tip hash so a
// restarted process continues the same chain rather than starting a
// second one.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating audit log directory: %w", err)
	}

	tip, err := tipHash(path)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %q: %w", path, err)
	}
	return &Log{file: file, prevHash: tip}, nil
}

func tipHash(path string) ([32]byte, error) {
	tip := genesisHash

	existing, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return tip, nil
		}
		return tip, fmt.Errorf("opening audit log: %w", err)
	}
	defer existing.Close()

	scanner := bufio.NewScanner(existing)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	found := false
	var last record
	for scanner.Scan() {
		var rec record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return tip, fmt.Errorf("parsing audit log line: %w", err)
		}
		last, found = rec, true
	}
	if err := scanner.Err(); err != nil {
		return tip, fmt.Errorf("reading audit log: %w", err)
	}
	if !found {
		return tip, nil
	}

	decoded, err := hex.DecodeString(last.Hash)
	if err != nil || len(decoded) != 32 {
		return tip, fmt.Errorf("audit log %q ends with a malformed hash", path)
	}
	copy(tip[:], decoded)
	return tip, nil
}

// Append writes one entry to the log and advances the chain tip.
func (log *Log) Append(entry Entry) error {
	log.mu.Lock()
	defer log.mu.Unlock()

	prevHex := hex.EncodeToString(log.prevHash[:])
	hash, err := chainHash(entry, prevHex)
	if err != nil {
		return err
	}

	line, err := json.Marshal(record{Entry: entry, PrevHash: prevHex, Hash: hex.EncodeToString(hash[:])})
	if err != nil {
		return fmt.Errorf("encoding audit log line: %w", err)
	}
	line = append(line, '\n')

	if _, err := log.file.Write(line); err != nil {
		return fmt.Errorf("writing audit log line: %w", err)
	}
	// Sync so an elevated-action record survives a crash immediately
	// after it's granted — the whole point of an audit trail.
	if err := log.file.Sync(); err != nil {
		return fmt.Errorf("syncing audit log: %w", err)
	}

	log.prevHash = hash
	return nil
}

// Recorder adapts log into the bus/orchestrator packages' narrow
// "record this elevated action" callback shape, so neither package
// needs to import auditlog's Entry type directly.
func (log *Log) Recorder() func(kind, agentID, role, approver string) error {
	return func(kind, agentID, role, approver string) error {
		return log.Append(Entry{Time: time.Now(), Kind: kind, AgentID: agentID, Role: role, Approver: approver})
	}
}

// Close closes the underlying file.
func (log *Log) Close() error {
	log.mu.Lock()
	defer log.mu.Unlock()
	return log.file.Close()
}

func chainHash(entry Entry, prevHex string) ([32]byte, error) {
	var hash [32]byte
	entryBytes, err := json.Marshal(entry)
	if err != nil {
		return hash, fmt.Errorf("encoding audit log entry: %w", err)
	}
	hasher, err := blake3.NewKeyed(entryDomainKey[:])
	if err != nil {
		return hash, fmt.Errorf("audit log: blake3 keyed hash initialization failed: %w", err)
	}
	hasher.Write(entryBytes)
	hasher.Write([]byte(prevHex))
	copy(hash[:], hasher.Sum(nil))
	return hash, nil
}

// Verify replays path's lines and reports whether its hash chain is
// intact. A log whose chain verifies has not had any historical line
// altered, reordered, or removed since it was written.
func Verify(path string) (bool, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, fmt.Errorf("opening audit log: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	tip := genesisHash
	for scanner.Scan() {
		var rec record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return false, fmt.Errorf("parsing audit log line: %w", err)
		}
		if rec.PrevHash != hex.EncodeToString(tip[:]) {
			return false, nil
		}
		want, err := chainHash(rec.Entry, rec.PrevHash)
		if err != nil {
			return false, err
		}
		if hex.EncodeToString(want[:]) != rec.Hash {
			return false, nil
		}
		tip = want
	}
	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("reading audit log: %w", err)
	}
	return true, nil
}
