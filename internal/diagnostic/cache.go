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

package diagnostic

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Cache persists diagnostic results as a flat route_id -> Result mapping.
// It is the sole source of truth read by consumers; writes are
// last-writer-wins with no cross-route transactions.
type Cache struct {
	db *sql.DB
}

// NewCache initialises the diagnostics table on an existing database handle
// (shared with the route store).
func NewCache(db *sql.DB) (*Cache, error) {
	c := &Cache{db: db}
	if err := c.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize diagnostics schema: %w", err)
	}
	return c, nil
}

func (c *Cache) initSchema() error {
	query := `
		CREATE TABLE IF NOT EXISTS diagnostics (
			route_id INTEGER PRIMARY KEY,
			result TEXT NOT NULL
		)
	`
	_, err := c.db.Exec(query)
	return err
}

// All returns the full cached mapping. An empty map means no diagnostics
// have been computed yet.
func (c *Cache) All() (map[int]Result, error) {
	rows, err := c.db.Query(`SELECT route_id, result FROM diagnostics`)
	if err != nil {
		return nil, fmt.Errorf("failed to query diagnostics cache: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[int]Result)
	for rows.Next() {
		var id int
		var raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan diagnostics row: %w", err)
		}
		var res Result
		if err := json.Unmarshal([]byte(raw), &res); err != nil {
			return nil, fmt.Errorf("failed to decode diagnostics for route %d: %w", id, err)
		}
		out[id] = res
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate diagnostics cache: %w", err)
	}
	return out, nil
}

// Get returns one route's cached result. The second return is false when
// the route has no cache entry at all, which is distinct from a cached
// entry with zero overlaps.
func (c *Cache) Get(routeID int) (Result, bool, error) {
	var raw string
	err := c.db.QueryRow(`SELECT result FROM diagnostics WHERE route_id = ?`, routeID).Scan(&raw)
	if err == sql.ErrNoRows {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, fmt.Errorf("failed to query diagnostics for route %d: %w", routeID, err)
	}
	var res Result
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return Result{}, false, fmt.Errorf("failed to decode diagnostics for route %d: %w", routeID, err)
	}
	return res, true, nil
}

// Put stores one route's result, replacing any existing entry
func (c *Cache) Put(res Result) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to encode diagnostics for route %d: %w", res.RouteID, err)
	}
	_, err = c.db.Exec(`INSERT OR REPLACE INTO diagnostics (route_id, result) VALUES (?, ?)`,
		res.RouteID, string(raw))
	if err != nil {
		return fmt.Errorf("failed to store diagnostics for route %d: %w", res.RouteID, err)
	}
	return nil
}

// ReplaceAll atomically swaps the whole cache for a freshly computed mapping
func (c *Cache) ReplaceAll(results map[int]Result) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin cache replace: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM diagnostics`); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to clear diagnostics cache: %w", err)
	}
	for id, res := range results {
		raw, err := json.Marshal(res)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to encode diagnostics for route %d: %w", id, err)
		}
		if _, err := tx.Exec(`INSERT INTO diagnostics (route_id, result) VALUES (?, ?)`, id, string(raw)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to store diagnostics for route %d: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cache replace: %w", err)
	}
	return nil
}

// Remove deletes one route's own entry
func (c *Cache) Remove(routeID int) error {
	_, err := c.db.Exec(`DELETE FROM diagnostics WHERE route_id = ?`, routeID)
	if err != nil {
		return fmt.Errorf("failed to remove diagnostics for route %d: %w", routeID, err)
	}
	return nil
}
