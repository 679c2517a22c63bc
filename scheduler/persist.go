package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dario-valles/ralph-swarm/config"
	"github.com/dario-valles/ralph-swarm/merge"
	"github.com/dario-valles/ralph-swarm/task"
)

// SessionData is the serializable snapshot of a scheduler session. Running
// tasks are persisted as-is; on restore their agents are gone, so they are
// reset to pending.
type SessionData struct {
	SessionID  string            `json:"session_id"`
	State      State             `json:"state"`
	Strategy   string            `json:"strategy"`
	Tasks      []*task.Task      `json:"tasks"`
	Candidates []merge.Candidate `json:"candidates"`
	StartedAt  time.Time         `json:"started_at"`
	SavedAt    time.Time         `json:"saved_at"`
}

// Snapshot captures the session's current state for persistence.
func (s *Scheduler) Snapshot() SessionData {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := make([]merge.Candidate, len(s.candidates))
	copy(candidates, s.candidates)

	return SessionData{
		SessionID:  s.sessionID,
		State:      s.state,
		Strategy:   s.cfg.Strategy,
		Tasks:      s.graph.Tasks(),
		Candidates: candidates,
		StartedAt:  s.startedAt,
		SavedAt:    time.Now(),
	}
}

// SaveSession writes the session snapshot under the application config
// directory.
func SaveSession(data SessionData) error {
	dir, err := sessionsDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create sessions directory: %w", err)
	}

	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	path := filepath.Join(dir, data.SessionID+".json")
	return os.WriteFile(path, jsonData, 0644)
}

// LoadSession reads a previously saved session snapshot.
func LoadSession(sessionID string) (SessionData, error) {
	var data SessionData

	dir, err := sessionsDir()
	if err != nil {
		return data, err
	}
	raw, err := os.ReadFile(filepath.Join(dir, sessionID+".json"))
	if err != nil {
		return data, fmt.Errorf("failed to read session %s: %w", sessionID, err)
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return data, fmt.Errorf("failed to unmarshal session %s: %w", sessionID, err)
	}
	return data, nil
}

// RestoreGraph rebuilds a task graph from a snapshot. Tasks that were running
// when the snapshot was taken go back to pending, since their agents no
// longer exist.
func RestoreGraph(data SessionData) (*task.Graph, error) {
	// Enqueue order approximates the original FIFO sequence.
	restored := make([]*task.Task, 0, len(data.Tasks))
	for _, t := range data.Tasks {
		cp := *t
		if cp.Status == task.StatusRunning {
			cp.Status = task.StatusPending
			cp.AgentID = ""
			cp.StartedAt = nil
		}
		restored = append(restored, &cp)
	}
	sort.SliceStable(restored, func(i, j int) bool {
		return restored[i].EnqueuedAt.Before(restored[j].EnqueuedAt)
	})

	graph, err := task.BuildGraph(restored)
	if err != nil {
		return nil, fmt.Errorf("failed to restore session %s: %w", data.SessionID, err)
	}
	return graph, nil
}

// AdoptSession rebinds a fresh scheduler to a previously saved session so a
// resumed run keeps its identity and the merge candidates it already earned.
// Must be called before Start.
func (s *Scheduler) AdoptSession(data SessionData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateInit {
		return fmt.Errorf("cannot adopt a session into a %s scheduler", s.state)
	}
	if data.SessionID == "" {
		return fmt.Errorf("session snapshot has no session ID")
	}

	s.sessionID = data.SessionID
	s.candidates = make([]merge.Candidate, len(data.Candidates))
	copy(s.candidates, data.Candidates)
	return nil
}

func sessionsDir() (string, error) {
	configDir, err := config.GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "sessions"), nil
}
