package corpus

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/WessleyAI/shopbot/engine/domain"
)

// On-disk layout under the manager root:
//
//	<tenant>/CURRENT          name of the live generation
//	<tenant>/gen-<id>/index   backend vectors (flat backend only)
//	<tenant>/gen-<id>/chunks.json
//	<tenant>/gen-<id>/meta.json
//	<tenant>/.tmp-<id>/       generation being written
const (
	currentFile = "CURRENT"
	chunksFile  = "chunks.json"
	metaFile    = "meta.json"
	genPrefix   = "gen-"
	tmpPrefix   = ".tmp-"
)

func writeJSONFile(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	if err := enc.Encode(v); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func readJSONFile(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// readCurrent returns the live generation name, or "" when the tenant has
// no index.
func readCurrent(tenantDir string) (string, error) {
	b, err := os.ReadFile(filepath.Join(tenantDir, currentFile))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("corpus: read %s: %w", currentFile, err)
	}
	gen := strings.TrimSpace(string(b))
	if !strings.HasPrefix(gen, genPrefix) || strings.ContainsAny(gen, `/\`) {
		return "", fmt.Errorf("corpus: corrupt %s pointer %q", currentFile, gen)
	}
	return gen, nil
}

// swapCurrent points CURRENT at gen with a rename, so readers see either
// the old or the new generation.
func swapCurrent(tenantDir, gen string) error {
	tmp := filepath.Join(tenantDir, currentFile+".tmp")
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(gen + "\n"); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, filepath.Join(tenantDir, currentFile)); err != nil {
		return err
	}
	syncDir(tenantDir)
	return nil
}

func syncDir(dir string) {
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
}

func readGeneration(dir string) (domain.IndexMetadata, []domain.Chunk, error) {
	var meta domain.IndexMetadata
	if err := readJSONFile(filepath.Join(dir, metaFile), &meta); err != nil {
		return meta, nil, fmt.Errorf("corpus: read metadata: %w", err)
	}
	var chunks []domain.Chunk
	if err := readJSONFile(filepath.Join(dir, chunksFile), &chunks); err != nil {
		return meta, nil, fmt.Errorf("corpus: read chunks: %w", err)
	}
	if len(chunks) != meta.Chunks {
		return meta, nil, fmt.Errorf("corpus: %d chunks on disk, metadata records %d", len(chunks), meta.Chunks)
	}
	return meta, chunks, nil
}
