// Package syncinfo provides functions for working with synchronization information.
package syncinfo

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SyncInfo represents data about the synchronization cycles of one owner.
type SyncInfo struct {
	LastSuccess         time.Time `json:"last_success"`          // end of the last cycle without failures
	LastAttempt         time.Time `json:"last_attempt"`          // end of the last cycle, successful or not
	LastError           string    `json:"last_error,omitempty"`  // summary of the last failed cycle
	ConsecutiveFailures int       `json:"consecutive_failures"`  // cycles with failures since LastSuccess
}

// SyncManager manages access to and updates of synchronization data.
type SyncManager struct {
	fileMutex sync.Mutex   // serializes file writes
	dataMutex sync.RWMutex // guards syncData
	syncData  map[string]SyncInfo
	filename  string
}

// NewSyncManager creates a SyncManager backed by fileName and loads what the
// file already holds.
func NewSyncManager(fileName string) (*SyncManager, error) {
	sm := &SyncManager{
		syncData: make(map[string]SyncInfo),
		filename: fileName,
	}
	if err := sm.LoadSyncInfoFromFile(); err != nil {
		return nil, err
	}
	return sm, nil
}

// GetSyncInfo returns the current synchronization data of ownerID.
func (sm *SyncManager) GetSyncInfo(ownerID string) SyncInfo {
	sm.dataMutex.RLock()
	defer sm.dataMutex.RUnlock()
	return sm.syncData[ownerID]
}

// UpdateSyncInfo updates synchronization data.
func (sm *SyncManager) UpdateSyncInfo(ownerID string, info SyncInfo) {
	sm.dataMutex.Lock()
	defer sm.dataMutex.Unlock()
	sm.syncData[ownerID] = info
}

// RecordSuccess notes a cycle that finished without failures and saves.
func (sm *SyncManager) RecordSuccess(ownerID string, at time.Time) error {
	sm.dataMutex.Lock()
	info := sm.syncData[ownerID]
	info.LastSuccess = at.UTC()
	info.LastAttempt = at.UTC()
	info.LastError = ""
	info.ConsecutiveFailures = 0
	sm.syncData[ownerID] = info
	sm.dataMutex.Unlock()

	return sm.SaveSyncInfoToFile()
}

// RecordFailure notes a cycle that reported failures and saves. It returns
// the updated number of consecutive failed cycles.
func (sm *SyncManager) RecordFailure(ownerID string, at time.Time, cause error) (int, error) {
	sm.dataMutex.Lock()
	info := sm.syncData[ownerID]
	info.LastAttempt = at.UTC()
	if cause != nil {
		info.LastError = cause.Error()
	}
	info.ConsecutiveFailures++
	n := info.ConsecutiveFailures
	sm.syncData[ownerID] = info
	sm.dataMutex.Unlock()

	return n, sm.SaveSyncInfoToFile()
}

// SaveSyncInfoToFile saves synchronization data to a file.
func (sm *SyncManager) SaveSyncInfoToFile() error {
	sm.fileMutex.Lock()
	defer sm.fileMutex.Unlock()

	sm.dataMutex.RLock()
	raw, err := json.MarshalIndent(sm.syncData, "", "  ")
	sm.dataMutex.RUnlock()
	if err != nil {
		return err
	}

	if dir := filepath.Dir(sm.filename); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := sm.filename + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, sm.filename)
}

// LoadSyncInfoFromFile replaces the in-memory data with the file content.
// A missing or empty file yields no data.
func (sm *SyncManager) LoadSyncInfoFromFile() error {
	sm.fileMutex.Lock()
	defer sm.fileMutex.Unlock()

	raw, err := os.ReadFile(sm.filename)
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(raw) == 0) {
		return nil
	}
	if err != nil {
		return err
	}

	data := make(map[string]SyncInfo)
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("parse %s: %w", sm.filename, err)
	}

	sm.dataMutex.Lock()
	sm.syncData = data
	sm.dataMutex.Unlock()
	return nil
}
