package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"transitpush/internal/devices"
	"transitpush/internal/push"
	"transitpush/internal/transit"
	logx "transitpush/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.state.snapshot.json (periodic snapshot of all state)
//   - <prefix>.state.journal.jsonl (append-only journal)
//
// The journal is periodically compacted into the snapshot. On open the
// snapshot is loaded and the journal replayed on top.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalFile  *os.File

	tasks    map[string]push.Task
	agencies map[string]*transit.Agency
	devices  map[string]devices.Device

	writes int
}

const (
	opTask         = "task"
	opMessage      = "message"
	opAgency       = "agency"
	opDevice       = "device"
	opDeviceDelete = "device_delete"
	opDeviceRename = "device_rename"
)

type journalRecord struct {
	Op       string          `json:"op"`
	Task     *push.Task      `json:"task,omitempty"`
	TaskID   string          `json:"task_id,omitempty"`
	Message  *push.Message   `json:"message,omitempty"`
	Agency   *transit.Agency `json:"agency,omitempty"`
	Device   *devices.Device `json:"device,omitempty"`
	Tokens   []string        `json:"tokens,omitempty"`
	NewToken string          `json:"new_token,omitempty"`
}

type fileSnapshot struct {
	Tasks    map[string]push.Task       `json:"tasks"`
	Agencies map[string]*transit.Agency `json:"agencies"`
	Devices  map[string]devices.Device  `json:"devices"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".state.snapshot.json"
	journalPath := prefix + ".state.journal.jsonl"

	s := &fileStore{
		log:          log,
		snapshotPath: snapPath,
		tasks:        map[string]push.Task{},
		agencies:     map[string]*transit.Agency{},
		devices:      map[string]devices.Device{},
	}
	_ = s.loadSnapshot(snapPath)
	_ = s.replayJournal(journalPath)
	s.pruneTerminalLocked()

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journalFile = jf
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	// Flush everything into the snapshot so the journal starts empty next
	// run.
	if err := s.compactLocked(); err != nil {
		s.log.Debug("final compact failed", logx.Err(err))
	}
	err := s.journalFile.Close()
	s.journalFile = nil
	return err
}

func (s *fileStore) append(r journalRecord) error {
	if s.journalFile == nil {
		return errors.New("journal closed")
	}
	enc := json.NewEncoder(s.journalFile)
	if err := enc.Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%1000 == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("compact failed", logx.Err(err))
		}
	}
	return nil
}

// ---- tasks ----

func (s *fileStore) SaveTask(ctx context.Context, t push.Task) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
	return s.append(journalRecord{Op: opTask, Task: &t})
}

func (s *fileStore) UpdateTask(ctx context.Context, t push.Task) error {
	return s.SaveTask(ctx, t)
}

func (s *fileStore) UpdateMessage(ctx context.Context, taskID string, m push.Message) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return errors.New("unknown task: " + taskID)
	}
	applyMessage(&t, m)
	s.tasks[taskID] = t
	return s.append(journalRecord{Op: opMessage, TaskID: taskID, Message: &m})
}

func (s *fileStore) PendingTasks(ctx context.Context) ([]push.Task, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []push.Task
	for _, t := range s.tasks {
		if !t.State.Terminal() {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ---- agency snapshots ----

func (s *fileStore) SaveAgency(ctx context.Context, a *transit.Agency) error {
	_ = ctx
	if a == nil || strings.TrimSpace(a.ID) == "" {
		return errors.New("agency id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agencies[a.ID] = a
	return s.append(journalRecord{Op: opAgency, Agency: a})
}

func (s *fileStore) Agency(ctx context.Context, id string) (*transit.Agency, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agencies[id], nil
}

// ---- devices ----

func (s *fileStore) Devices(ctx context.Context) ([]devices.Device, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]devices.Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out, nil
}

func (s *fileStore) SaveDevice(ctx context.Context, d devices.Device) error {
	_ = ctx
	if strings.TrimSpace(d.Token) == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.Token] = d
	return s.append(journalRecord{Op: opDevice, Device: &d})
}

func (s *fileStore) DeleteDevices(ctx context.Context, tokens []string) error {
	_ = ctx
	if len(tokens) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tok := range tokens {
		delete(s.devices, tok)
	}
	return s.append(journalRecord{Op: opDeviceDelete, Tokens: tokens})
}

func (s *fileStore) RenameDevice(ctx context.Context, oldToken, newToken string) error {
	_ = ctx
	if oldToken == "" || newToken == "" || oldToken == newToken {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	renameDevice(s.devices, oldToken, newToken)
	return s.append(journalRecord{Op: opDeviceRename, Tokens: []string{oldToken}, NewToken: newToken})
}

// ---- snapshot / journal ----

func (s *fileStore) compactLocked() error {
	s.pruneTerminalLocked()

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	snap := fileSnapshot{Tasks: s.tasks, Agencies: s.agencies, Devices: s.devices}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func (s *fileStore) loadSnapshot(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for k, v := range snap.Tasks {
		s.tasks[k] = v
	}
	for k, v := range snap.Agencies {
		s.agencies[k] = v
	}
	for k, v := range snap.Devices {
		s.devices[k] = v
	}
	return nil
}

func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		s.applyRecord(r)
	}
	return sc.Err()
}

func (s *fileStore) applyRecord(r journalRecord) {
	switch r.Op {
	case opTask:
		if r.Task != nil && r.Task.ID != "" {
			s.tasks[r.Task.ID] = *r.Task
		}
	case opMessage:
		if r.Message == nil || r.TaskID == "" {
			return
		}
		if t, ok := s.tasks[r.TaskID]; ok {
			applyMessage(&t, *r.Message)
			s.tasks[r.TaskID] = t
		}
	case opAgency:
		if r.Agency != nil && r.Agency.ID != "" {
			s.agencies[r.Agency.ID] = r.Agency
		}
	case opDevice:
		if r.Device != nil && r.Device.Token != "" {
			s.devices[r.Device.Token] = *r.Device
		}
	case opDeviceDelete:
		for _, tok := range r.Tokens {
			delete(s.devices, tok)
		}
	case opDeviceRename:
		if len(r.Tokens) == 1 && r.NewToken != "" {
			renameDevice(s.devices, r.Tokens[0], r.NewToken)
		}
	}
}

// pruneTerminalLocked drops terminal tasks that have aged out so snapshots
// do not grow without bound.
func (s *fileStore) pruneTerminalLocked() {
	cutoff := time.Now().Add(-terminalRetention)
	for id, t := range s.tasks {
		if t.State.Terminal() && t.LastAttempt.Before(cutoff) {
			delete(s.tasks, id)
		}
	}
}

func applyMessage(t *push.Task, m push.Message) {
	for i := range t.Messages {
		if t.Messages[i].ID == m.ID {
			t.Messages[i] = m
			return
		}
	}
}

func renameDevice(m map[string]devices.Device, oldToken, newToken string) {
	d, ok := m[oldToken]
	if !ok {
		return
	}
	delete(m, oldToken)
	d.Token = newToken
	d.UpdatedAt = time.Now()
	m[newToken] = d
}
