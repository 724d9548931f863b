package serv

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/enfyra/server-sub006/core"
)

// schemaFile is the shape of the table metadata file. A bare JSON array
// of tables is accepted as well.
type schemaFile struct {
	Tables []*core.Table `json:"tables"`
}

// loadTables reads the table metadata from the schema file.
func loadTables(fs afero.Fs, path string) ([]*core.Table, error) {
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrap(err, "schema file")
	}

	var tables []*core.Table
	if err := json.Unmarshal(b, &tables); err == nil {
		return tables, nil
	}

	var sf schemaFile
	if err := json.Unmarshal(b, &sf); err != nil {
		return nil, errors.Wrapf(err, "schema file %q", path)
	}
	if len(sf.Tables) == 0 {
		return nil, fmt.Errorf("schema file %q declares no tables", path)
	}
	return sf.Tables, nil
}

// schemaProvider serves table metadata from the schema file. The file
// is re-read on every listing, so the engine picks up edits on its next
// snapshot rebuild or Reload.
type schemaProvider struct {
	fs   afero.Fs
	path string
}

func newSchemaProvider(fs afero.Fs, path string) *schemaProvider {
	return &schemaProvider{fs: fs, path: path}
}

// ListTables implements core.MetadataProvider.
func (p *schemaProvider) ListTables(ctx context.Context) ([]*core.Table, error) {
	return loadTables(p.fs, p.path)
}

// GetTable implements core.MetadataProvider.
func (p *schemaProvider) GetTable(ctx context.Context, name string) (*core.Table, error) {
	tables, err := loadTables(p.fs, p.path)
	if err != nil {
		return nil, err
	}
	for _, t := range tables {
		if t.Name == name {
			return t, nil
		}
	}
	return nil, fmt.Errorf("table %q not found in %q", name, p.path)
}

// startSchemaWatcher reloads the engine when the schema file changes.
// The parent directory is watched, not the file: editors and config
// mounts replace files by rename, which drops a direct file watch.
func (s *service) startSchemaWatcher(path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "schema watcher")
	}

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close() //nolint:errcheck
		return errors.Wrap(err, "schema watcher")
	}

	go func() {
		defer watcher.Close() //nolint:errcheck

		var timer *time.Timer
		reload := func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if err := s.engine.Reload(ctx); err != nil {
				s.log.Errorf("schema reload: %s", err)
				return
			}
			s.log.Infof("schema reloaded: %s", path)
		}

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if s.logLevel == logLevelDebug {
					s.log.Debugf("schema event: %s", event)
				}
				// Editors fire bursts of events per save; collapse
				// them into one reload.
				if timer == nil {
					timer = time.AfterFunc(200*time.Millisecond, reload)
				} else {
					timer.Reset(200 * time.Millisecond)
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log.Warnf("schema watcher: %s", err)

			case <-s.done:
				return
			}
		}
	}()

	return nil
}
