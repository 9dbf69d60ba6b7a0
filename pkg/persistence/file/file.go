// Package file provides a file-based document store, one JSON file per document.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dukex/taskflow/pkg/persistence"
)

// Persistence implements persistence.DocumentStore on the file system. A
// process-wide lock serializes writes so conditional updates stay atomic
// within one process.
type Persistence struct {
	root string
	mu   sync.RWMutex
}

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	return &Persistence{root: cleanRoot}
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck checks if the file persistence layer is healthy by verifying the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func (fp *Persistence) documentPath(collection, id string) string {
	return filepath.Clean(path.Join(fp.root, collection, id+".json"))
}

func (fp *Persistence) read(collection, id string) (persistence.Document, error) {
	body, err := os.ReadFile(fp.documentPath(collection, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.ErrNotFound
		}

		return nil, fmt.Errorf("failed to read document: %w", err)
	}

	var doc persistence.Document

	err = json.Unmarshal(body, &doc)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal document: %w", err)
	}

	return doc, nil
}

func (fp *Persistence) write(collection, id string, doc persistence.Document) error {
	err := os.MkdirAll(path.Join(fp.root, collection), 0750)
	if err != nil {
		return fmt.Errorf("failed to create %s directory: %w", collection, err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	target := fp.documentPath(collection, id)
	tmp := target + ".tmp"

	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write document: %w", err)
	}

	return os.Rename(tmp, target)
}

func (fp *Persistence) Get(_ context.Context, collection, id string) (persistence.Document, error) {
	fp.mu.RLock()
	defer fp.mu.RUnlock()

	doc, err := fp.read(collection, id)
	if err != nil {
		return nil, persistence.NewDocumentError("Get", collection, id, err)
	}

	return doc, nil
}

func (fp *Persistence) Find(_ context.Context, collection string, query persistence.Query) ([]persistence.Document, error) {
	fp.mu.RLock()
	defer fp.mu.RUnlock()

	jsonFiles, err := fs.Glob(os.DirFS(path.Join(fp.root, collection)), "*.json")
	if err != nil {
		return nil, persistence.NewDocumentError("Find", collection, "", err)
	}

	sort.Strings(jsonFiles)

	docs := make([]persistence.Document, 0, len(jsonFiles))

	for _, file := range jsonFiles {
		doc, err := fp.read(collection, strings.TrimSuffix(file, ".json"))
		if err != nil {
			if persistence.IsNotFound(err) {
				continue
			}

			return nil, persistence.NewDocumentError("Find", collection, file, err)
		}

		docs = append(docs, doc)
	}

	return persistence.ApplyQuery(docs, query), nil
}

func (fp *Persistence) Insert(_ context.Context, collection string, doc persistence.Document) error {
	id, err := persistence.DocumentID(doc)
	if err != nil {
		return persistence.NewDocumentError("Insert", collection, "", err)
	}

	fp.mu.Lock()
	defer fp.mu.Unlock()

	if _, err := os.Stat(fp.documentPath(collection, id)); err == nil {
		return persistence.NewDocumentError("Insert", collection, id, persistence.ErrAlreadyExists)
	}

	if err := fp.write(collection, id, doc); err != nil {
		return persistence.NewDocumentError("Insert", collection, id, err)
	}

	return nil
}

func (fp *Persistence) Update(
	_ context.Context,
	collection, id string,
	cond persistence.Filter,
	patch persistence.Patch,
) (persistence.Document, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	doc, err := fp.read(collection, id)
	if err != nil {
		return nil, persistence.NewDocumentError("Update", collection, id, err)
	}

	if !persistence.Match(doc, cond) {
		return nil, persistence.NewDocumentError("Update", collection, id, persistence.ErrConditionFailed)
	}

	if err := persistence.ApplyPatch(doc, patch); err != nil {
		return nil, persistence.NewDocumentError("Update", collection, id, err)
	}

	if err := fp.write(collection, id, doc); err != nil {
		return nil, persistence.NewDocumentError("Update", collection, id, err)
	}

	return doc, nil
}
