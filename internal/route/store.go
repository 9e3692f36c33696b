// Copyright 2025 Intent Hub Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package route

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/your-org/intent-hub/internal/resilience"
)

// Store is the durable route registry. It keeps the full route set in memory
// on top of a SQLite table so reads never touch the database, and Reload
// picks up out-of-band edits before a reindex.
type Store struct {
	db     *sql.DB
	logger *zap.Logger

	mu     sync.RWMutex
	routes map[int]Route
}

// NewStore opens (and if necessary initialises) the route table at dbPath
// and loads all routes into memory.
func NewStore(dbPath string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open route database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
		routes: make(map[int]Route),
	}

	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize route schema: %w", err)
	}
	if err := s.Reload(); err != nil {
		return nil, fmt.Errorf("failed to load routes: %w", err)
	}

	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle so sibling stores (the diagnostic cache)
// can share the same database file.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) initSchema() error {
	query := `
		CREATE TABLE IF NOT EXISTS routes (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			utterances TEXT NOT NULL,
			negative_samples TEXT NOT NULL DEFAULT '[]',
			score_threshold REAL NOT NULL,
			negative_threshold REAL NOT NULL
		)
	`
	_, err := s.db.Exec(query)
	return err
}

// Reload re-reads the routes table into the in-memory cache
func (s *Store) Reload() error {
	rows, err := s.db.Query(`
		SELECT id, name, description, utterances, negative_samples,
		       score_threshold, negative_threshold
		FROM routes ORDER BY id
	`)
	if err != nil {
		return fmt.Errorf("failed to query routes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	loaded := make(map[int]Route)
	for rows.Next() {
		var r Route
		var utterances, negatives string
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &utterances, &negatives,
			&r.ScoreThreshold, &r.NegativeThreshold); err != nil {
			return fmt.Errorf("failed to scan route row: %w", err)
		}
		if err := json.Unmarshal([]byte(utterances), &r.Utterances); err != nil {
			return fmt.Errorf("failed to decode utterances for route %d: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(negatives), &r.NegativeSamples); err != nil {
			return fmt.Errorf("failed to decode negative samples for route %d: %w", r.ID, err)
		}
		loaded[r.ID] = r
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate routes: %w", err)
	}

	s.mu.Lock()
	s.routes = loaded
	s.mu.Unlock()

	s.logger.Info("Routes loaded", zap.Int("count", len(loaded)))
	return nil
}

// Get returns the route with the given id
func (s *Store) Get(id int) (Route, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.routes[id]
	if !ok {
		return Route{}, resilience.RouteNotFound(id)
	}
	return r.Clone(), nil
}

// All returns every route ordered by id
func (s *Store) All() []Route {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Route, 0, len(s.routes))
	for _, r := range s.routes {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Search matches query as a case-insensitive substring over route names,
// descriptions and utterances. An empty query returns all routes.
func (s *Store) Search(query string) []Route {
	if query == "" {
		return s.All()
	}
	query = strings.ToLower(query)

	var out []Route
	for _, r := range s.All() {
		if strings.Contains(strings.ToLower(r.Name), query) ||
			strings.Contains(strings.ToLower(r.Description), query) {
			out = append(out, r)
			continue
		}
		for _, u := range r.Utterances {
			if strings.Contains(strings.ToLower(u), query) {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

// ScoreThreshold returns the configured acceptance threshold for a route
func (s *Store) ScoreThreshold(id int) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.routes[id]
	if !ok {
		return 0, false
	}
	return r.ScoreThreshold, true
}

// AddOrUpdate persists a route. An id of 0 allocates the next free id
// (max+1); a non-zero id must reference an existing route. Returns the
// stored route with its final id.
func (s *Store) AddOrUpdate(r Route) (Route, error) {
	if err := r.Validate(); err != nil {
		return Route{}, resilience.NewBadRequestError(err.Error(), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == 0 {
		maxID := 0
		for id := range s.routes {
			if id > maxID {
				maxID = id
			}
		}
		r.ID = maxID + 1
		s.logger.Info("Allocating new route id",
			zap.Int("route_id", r.ID),
			zap.String("route_name", r.Name))
	} else if _, ok := s.routes[r.ID]; !ok {
		return Route{}, resilience.RouteNotFound(r.ID)
	}

	if err := s.persist(r); err != nil {
		return Route{}, err
	}
	s.routes[r.ID] = r.Clone()

	s.logger.Info("Route saved",
		zap.Int("route_id", r.ID),
		zap.String("route_name", r.Name),
		zap.Int("utterances", len(r.Utterances)),
		zap.Int("negative_samples", len(r.NegativeSamples)))
	return r, nil
}

// Update replaces the route with the given id. The id on the body is
// overridden by the path id, mirroring the API contract.
func (s *Store) Update(id int, r Route) (Route, error) {
	s.mu.RLock()
	_, ok := s.routes[id]
	s.mu.RUnlock()
	if !ok {
		return Route{}, resilience.RouteNotFound(id)
	}
	r.ID = id
	return s.AddOrUpdate(r)
}

// Delete removes a route and renumbers the remaining routes densely from 1.
// Renumbering changes ids but not hashes' inputs beyond the id field, so a
// subsequent incremental reindex re-embeds only the shifted routes.
func (s *Store) Delete(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.routes[id]; !ok {
		return resilience.RouteNotFound(id)
	}

	delete(s.routes, id)

	remaining := make([]Route, 0, len(s.routes))
	for _, r := range s.routes {
		remaining = append(remaining, r)
	}
	sort.Slice(remaining, func(i, j int) bool { return remaining[i].ID < remaining[j].ID })

	renumbered := make(map[int]Route, len(remaining))
	for i := range remaining {
		remaining[i].ID = i + 1
		renumbered[i+1] = remaining[i]
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin delete transaction: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM routes`); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to clear routes: %w", err)
	}
	for _, r := range remaining {
		if err := insertRoute(tx, r); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}

	s.routes = renumbered
	s.logger.Info("Route deleted and ids renumbered",
		zap.Int("route_id", id),
		zap.Int("remaining", len(renumbered)))
	return nil
}

// execer covers *sql.DB and *sql.Tx
type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

func (s *Store) persist(r Route) error {
	return insertRoute(s.db, r)
}

func insertRoute(e execer, r Route) error {
	utterances, err := json.Marshal(r.Utterances)
	if err != nil {
		return fmt.Errorf("failed to encode utterances: %w", err)
	}
	negatives, err := json.Marshal(r.NegativeSamples)
	if err != nil {
		return fmt.Errorf("failed to encode negative samples: %w", err)
	}

	_, err = e.Exec(`
		INSERT OR REPLACE INTO routes
			(id, name, description, utterances, negative_samples, score_threshold, negative_threshold)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Name, r.Description, string(utterances), string(negatives),
		r.ScoreThreshold, r.NegativeThreshold)
	if err != nil {
		return fmt.Errorf("failed to persist route %d: %w", r.ID, err)
	}
	return nil
}
