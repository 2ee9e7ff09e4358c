package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"
	"github.com/wI2L/jsondiff"
	"go.uber.org/zap"

	"gihan9a/braidhttp/internal/registry"
	"gihan9a/braidhttp/pkg/braidproto"
	"gihan9a/braidhttp/pkg/merge"
)

// fileAgent is the agent edits read from resource files are attributed to.
const fileAgent = "fs"

const schemaSuffix = ".schema.json"

var errSchemaViolation = errors.New("content violates resource schema")

// schemas holds the compiled JSON schemas of file backed resources.
type schemas struct {
	mu   sync.RWMutex
	byID map[string]*jsonschema.Schema
}

func newSchemas() *schemas {
	return &schemas{byID: make(map[string]*jsonschema.Schema)}
}

func (s *schemas) get(id string) *jsonschema.Schema {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID[id]
}

func (s *schemas) set(id string, schema *jsonschema.Schema) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if schema == nil {
		delete(s.byID, id)
		return
	}
	s.byID[id] = schema
}

// validate checks content against the schema of resource id, if it has one.
func (s *schemas) validate(id, content string) error {
	schema := s.get(id)
	if schema == nil {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(content), &v); err != nil {
		return fmt.Errorf("%w: %w", errSchemaViolation, err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("%w: %w", errSchemaViolation, err)
	}
	return nil
}

// schemaPath returns the schema file belonging to a resource file:
// "doc.braid" is validated by "doc.schema.json".
func (s *Server) schemaPath(resourcePath string) string {
	return strings.TrimSuffix(resourcePath, s.config.ResourceSuffix) + schemaSuffix
}

func (s *Server) isResourceFile(path string) bool {
	return strings.HasSuffix(path, s.config.ResourceSuffix)
}

// LoadFiles loads every resource file under the root directory into the
// registry.
func (s *Server) LoadFiles(ctx context.Context) (int, error) {
	loaded := 0
	err := filepath.WalkDir(s.config.RootDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !s.isResourceFile(path) {
			return nil
		}
		if err := s.loadFile(ctx, path); err != nil {
			s.logger.Warn("skipping resource file", zap.String("path", path), zap.Error(err))
			return nil
		}
		loaded++
		return nil
	})
	if err != nil {
		return loaded, fmt.Errorf("failed to load resource files: %w", err)
	}
	return loaded, nil
}

// loadFile reads one resource file into the registry and publishes the
// change to subscribers.
func (s *Server) loadFile(ctx context.Context, path string) error {
	resourceID, err := s.getResourceIDFromPath(path)
	if err != nil {
		return fmt.Errorf("error determining resource ID: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("error reading file: %w", err)
	}

	schema, err := s.compileSchema(s.schemaPath(path))
	if err != nil {
		return err
	}
	s.schemas.set(resourceID, schema)
	content := string(data)
	if err := s.schemas.validate(resourceID, content); err != nil {
		s.metrics.edits.WithLabelValues(sourceFile, outcomeRejected).Inc()
		return err
	}

	defer s.sequencer.lock(resourceID)()

	var previous string
	snap, err := s.registry.Apply(resourceID, fileAgent, func(e merge.Engine) error {
		previous = e.Content()
		registry.Replace(e, fileAgent, content)
		return nil
	})
	if err != nil {
		return err
	}
	if snap.Base == snap.Version {
		s.metrics.edits.WithLabelValues(sourceFile, outcomeUnchanged).Inc()
		return nil
	}

	s.logger.Info("resource file loaded",
		zap.String("path", path),
		zap.String("resource", resourceID),
		zap.String("version", string(snap.Version)),
	)
	s.metrics.edits.WithLabelValues(sourceFile, outcomeApplied).Inc()
	s.persist(ctx, snap)
	s.publish(resourceID, "", s.fileUpdate(previous, snap))
	return nil
}

func (s *Server) compileSchema(path string) (*jsonschema.Schema, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	schema, err := jsonschema.Compile(path)
	if err != nil {
		return nil, fmt.Errorf("compile json schema %s: %w", path, err)
	}
	return schema, nil
}

// fileUpdate describes the change from previous to snap. JSON documents are
// sent as json patches when every patch applies on its own; anything else
// is sent whole.
func (s *Server) fileUpdate(previous string, snap registry.Snapshot) braidproto.Update {
	if snap.Base == "" || !gjson.Valid(previous) || !gjson.Valid(snap.Content) {
		return snapshotUpdate(snap)
	}
	patches, err := jsonPatches([]byte(previous), []byte(snap.Content))
	if err != nil {
		s.logger.Debug("sending snapshot instead of patches",
			zap.String("resource", snap.Resource),
			zap.Error(err),
		)
		return snapshotUpdate(snap)
	}
	return braidproto.Update{
		Version: braidproto.VersionList{snap.Version},
		Parents: snap.Parents,
		Patches: patches,
	}
}

// jsonPatches turns the difference between two documents into json range
// patches. Insertions into and removals from arrays shift the indexes of
// later elements, which a json range cannot express; such differences are
// refused.
func jsonPatches(source, target []byte) ([]braidproto.Patch, error) {
	ops, err := jsondiff.CompareJSON(source, target)
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, errors.New("documents are equal")
	}

	patches := make([]braidproto.Patch, 0, len(ops))
	doc := source
	for _, op := range ops {
		p := braidproto.Patch{Unit: braidproto.UnitJSON, Range: op.Path}
		switch op.Type {
		case jsondiff.OperationAdd, jsondiff.OperationRemove:
			if !parentIsObject(doc, op.Path) {
				return nil, fmt.Errorf("%s at %q is not addressable", op.Type, op.Path)
			}
		case jsondiff.OperationReplace:
		default:
			return nil, fmt.Errorf("unsupported operation %s", op.Type)
		}
		if op.Type != jsondiff.OperationRemove {
			if p.Content, err = json.Marshal(op.Value); err != nil {
				return nil, err
			}
		}
		if doc, err = braidproto.ApplyJSONPatch(doc, p); err != nil {
			return nil, err
		}
		patches = append(patches, p)
	}

	check, err := jsondiff.CompareJSON(doc, target)
	if err != nil {
		return nil, err
	}
	if len(check) != 0 {
		return nil, errors.New("patches do not reproduce the document")
	}
	return patches, nil
}

func parentIsObject(doc []byte, pointer string) bool {
	i := strings.LastIndex(pointer, "/")
	if i < 0 {
		return false
	}
	if i == 0 {
		return gjson.ParseBytes(doc).IsObject()
	}
	path, err := braidproto.JSONPath(pointer[:i])
	if err != nil {
		return false
	}
	return gjson.GetBytes(doc, path).IsObject()
}

// watchFiles monitors file changes and sends updates to subscribers
func (s *Server) watchFiles(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handleFileEvent(ctx, event)

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (s *Server) handleFileEvent(ctx context.Context, event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}

	path := event.Name
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if err := s.watcher.Add(path); err != nil {
				s.logger.Warn("failed to watch directory", zap.String("path", path), zap.Error(err))
			}
			return
		}
	}
	if strings.HasSuffix(path, schemaSuffix) {
		// A changed schema revalidates its resource file.
		path = strings.TrimSuffix(path, schemaSuffix) + s.config.ResourceSuffix
		if _, err := os.Stat(path); err != nil {
			return
		}
	}
	if !s.isResourceFile(path) {
		return
	}

	s.logger.Debug("file changed", zap.String("path", path), zap.Stringer("op", event.Op))
	if err := s.loadFile(ctx, path); err != nil {
		s.logger.Warn("failed to load changed file", zap.String("path", path), zap.Error(err))
	}
}
