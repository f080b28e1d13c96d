package file

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var errNotExist = errors.New("document does not exist")

// documents stores values of T as <root>/<dir>/<id>.json.
type documents[T any] struct {
	dir string
	mu  *sync.Mutex
}

func newDocuments[T any](root, dir string, mu *sync.Mutex) *documents[T] {
	return &documents[T]{dir: filepath.Join(root, dir), mu: mu}
}

// validateID validates that the ID is safe for file operations.
func validateID(id string) error {
	if id == "" {
		return errors.New("id cannot be empty")
	}

	if strings.Contains(id, "..") || strings.Contains(id, "/") || strings.Contains(id, "\\") {
		return errors.New("id contains invalid characters")
	}

	return nil
}

func (d *documents[T]) path(id string) string {
	return filepath.Join(d.dir, id+".json")
}

// read must be called with mu held.
func (d *documents[T]) read(id string) (*T, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}

	body, err := os.ReadFile(d.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errNotExist
		}

		return nil, fmt.Errorf("failed to read %s: %w", d.path(id), err)
	}

	var doc T
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", d.path(id), err)
	}

	return &doc, nil
}

// write must be called with mu held.
func (d *documents[T]) write(id string, doc *T) error {
	if err := validateID(id); err != nil {
		return err
	}

	if err := os.MkdirAll(d.dir, 0750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", d.dir, err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", id, err)
	}

	// Write then rename so readers never observe a partially written file.
	tmp := d.path(id) + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", id, err)
	}

	return os.Rename(tmp, d.path(id))
}

// remove must be called with mu held.
func (d *documents[T]) remove(id string) error {
	if err := validateID(id); err != nil {
		return err
	}

	err := os.Remove(d.path(id))
	if os.IsNotExist(err) {
		return errNotExist
	}

	return err
}

// list must be called with mu held.
func (d *documents[T]) list(keep func(*T) bool) ([]*T, error) {
	files, err := fs.Glob(os.DirFS(d.dir), "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", d.dir, err)
	}

	docs := make([]*T, 0, len(files))

	for _, file := range files {
		doc, err := d.read(strings.TrimSuffix(file, ".json"))
		if errors.Is(err, errNotExist) {
			continue
		}

		if err != nil {
			return nil, err
		}

		if keep(doc) {
			docs = append(docs, doc)
		}
	}

	return docs, nil
}

// get reads one document under the lock.
func (d *documents[T]) get(id string) (*T, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.read(id)
}

// update applies fn to a stored document under the lock and writes it back.
func (d *documents[T]) update(id string, fn func(*T)) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	doc, err := d.read(id)
	if err != nil {
		return err
	}

	fn(doc)

	return d.write(id, doc)
}

func (d *documents[T]) filter(keep func(*T) bool) ([]*T, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.list(keep)
}
