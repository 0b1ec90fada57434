package trainer

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"distributed-melee-rl/internal/experience"
)

// CheckpointStore persists named blobs under one directory. Writes go to a
// temporary file first and are renamed into place, so a crash never leaves a
// torn checkpoint behind.
type CheckpointStore struct {
	dir string
}

func NewCheckpointStore(dir string) *CheckpointStore {
	return &CheckpointStore{dir: dir}
}

func (s *CheckpointStore) Dir() string {
	return s.dir
}

func (s *CheckpointStore) Path(name string) string {
	return filepath.Join(s.dir, name)
}

func (s *CheckpointStore) Save(name string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", experience.ErrPersistence, name, err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", experience.ErrPersistence, err)
	}

	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: %v", experience.ErrPersistence, err)
	}
	tempName := tmp.Name()
	defer os.Remove(tempName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write %s: %v", experience.ErrPersistence, name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: sync %s: %v", experience.ErrPersistence, name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", experience.ErrPersistence, name, err)
	}
	if err := os.Rename(tempName, s.Path(name)); err != nil {
		return fmt.Errorf("%w: %v", experience.ErrPersistence, err)
	}
	return nil
}

func (s *CheckpointStore) Load(name string, v any) error {
	data, err := os.ReadFile(s.Path(name))
	if err != nil {
		return fmt.Errorf("%w: %v", experience.ErrPersistence, err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", experience.ErrPersistence, name, err)
	}
	return nil
}
