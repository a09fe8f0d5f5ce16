// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package archstate

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/arch-harness/arch/lib/clock"
)

// Store is the kernel's single in-memory aggregate, partitioned by
// kind. Every public mutating method holds writeMutex for its entire
// body — including the on-disk flush — so readers calling TakeSnapshot
// never observe a partially applied mutation, and two mutations never
// interleave their flushes.
type Store struct {
	dir    string
	clock  clock.Clock
	logger *slog.Logger

	writeMutex sync.Mutex

	project          ProjectContext
	agents           map[string]AgentRecord
	messages         []Message
	nextMessageID    int64
	decisions        map[string]PendingDecision
	tasks            map[string]Task
	leadCursor       int64
}

// Config configures a new Store.
type Config struct {
	// Dir is the state directory. Created if it does not exist.
	Dir    string
	Clock  clock.Clock
	Logger *slog.Logger
}

// New creates a Store rooted at config.Dir. It does not load any
// existing on-disk state — call Load for that.
func New(config Config) (*Store, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("archstate: Dir is required")
	}
	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Store{
		dir:    config.Dir,
		clock:  clk,
		logger: logger,
		// Message ids start at 1 so that a reader presenting the zero
		// cursor (no messages consumed yet) receives the first message.
		nextMessageID: 1,
		agents:        make(map[string]AgentRecord),
		decisions: make(map[string]PendingDecision),
		tasks:     make(map[string]Task),
	}, nil
}

// partition file names under the state directory.
const (
	fileProject   = "project.json"
	fileAgents    = "agents.json"
	fileMessages  = "messages.json"
	fileDecisions = "decisions.json"
	fileTasks     = "tasks.json"
	fileCursor    = "archie-cursor.json"
)

// Load decodes each partition's JSON file into memory. A corrupt or
// unreadable partition is logged as a warning and reinitialized empty
// rather than failing the whole run — a fresh start is recoverable,
// a refusal to start is not.
func (store *Store) Load() error {
	store.writeMutex.Lock()
	defer store.writeMutex.Unlock()

	loadJSON(store, fileProject, &store.project)

	var agents map[string]AgentRecord
	if loadJSON(store, fileAgents, &agents) {
		store.agents = agents
	}

	var messages []Message
	if loadJSON(store, fileMessages, &messages) {
		store.messages = messages
		for _, message := range messages {
			if message.ID >= store.nextMessageID {
				store.nextMessageID = message.ID + 1
			}
		}
	}

	var decisions map[string]PendingDecision
	if loadJSON(store, fileDecisions, &decisions) {
		store.decisions = decisions
	}

	var tasks map[string]Task
	if loadJSON(store, fileTasks, &tasks) {
		store.tasks = tasks
	}

	var cursor struct {
		Cursor int64 `json:"cursor"`
	}
	if loadJSON(store, fileCursor, &cursor) {
		store.leadCursor = cursor.Cursor
	}

	return nil
}

// loadJSON decodes one partition file into target. Returns false (and
// leaves target untouched) when the file is absent or corrupt; a
// corrupt file is logged, not propagated, per Load's recovery contract.
func loadJSON(store *Store, name string, target any) bool {
	path := filepath.Join(store.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			store.logger.Warn("reading state partition", "file", name, "error", err)
		}
		return false
	}
	if err := json.Unmarshal(data, target); err != nil {
		store.logger.Warn("decoding state partition, reinitializing empty", "file", name, "error", err)
		return false
	}
	return true
}

// flush serializes value to JSON and atomically replaces the named
// partition file: write to a temp file in the same directory, fsync,
// then rename over the final path. A reader can never observe a
// partially written partition file, because rename is atomic within
// one filesystem.
func (store *Store) flush(name string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", name, err)
	}

	finalPath := filepath.Join(store.dir, name)
	tempFile, err := os.CreateTemp(store.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", name, err)
	}
	tempPath := tempFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return fmt.Errorf("syncing %s: %w", name, err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", name, err)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		return fmt.Errorf("renaming %s into place: %w", name, err)
	}
	success = true
	return nil
}
