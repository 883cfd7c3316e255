package directory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/example/cartrabbit/internal/models"
)

// PostgresSource reads the places table with keyset pagination on id.
type PostgresSource struct {
	db *sql.DB
}

func NewPostgresSource(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db}
}

func (s *PostgresSource) FetchPage(ctx context.Context, category, after string, limit int) ([]models.Business, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, category, rating, address, lat, lon
		FROM places
		WHERE ($1 = '' OR category = $1) AND id > $2
		ORDER BY id
		LIMIT $3`, category, after, limit)
	if err != nil {
		return nil, fmt.Errorf("query places: %w", err)
	}
	defer rows.Close()

	out := make([]models.Business, 0, limit)
	for rows.Next() {
		var b models.Business
		if err := rows.Scan(&b.ID, &b.Name, &b.Category, &b.Rating, &b.Address, &b.Location.Lat, &b.Location.Lon); err != nil {
			return nil, fmt.Errorf("scan place: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Upsert loads seed data into the places table.
func (s *PostgresSource) Upsert(ctx context.Context, places []models.Business) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO places (id, name, category, rating, address, lat, lon)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, category = EXCLUDED.category, rating = EXCLUDED.rating,
			address = EXCLUDED.address, lat = EXCLUDED.lat, lon = EXCLUDED.lon`)
	if err != nil {
		return fmt.Errorf("prepare place upsert: %w", err)
	}
	defer stmt.Close()
	for _, b := range places {
		if _, err := stmt.ExecContext(ctx, b.ID, b.Name, strings.ToLower(b.Category), b.Rating, b.Address, b.Location.Lat, b.Location.Lon); err != nil {
			return fmt.Errorf("upsert place %s: %w", b.ID, err)
		}
	}
	return tx.Commit()
}

// StaticSource serves a fixed list. Used in memory mode and tests.
type StaticSource struct {
	items []models.Business
}

func NewStaticSource(items []models.Business) *StaticSource {
	sorted := slices.Clone(items)
	for i := range sorted {
		sorted[i].Category = strings.ToLower(sorted[i].Category)
	}
	slices.SortFunc(sorted, func(a, b models.Business) int { return strings.Compare(a.ID, b.ID) })
	return &StaticSource{items: sorted}
}

func (s *StaticSource) FetchPage(_ context.Context, category, after string, limit int) ([]models.Business, error) {
	out := make([]models.Business, 0, limit)
	for _, b := range s.items {
		if len(out) == limit {
			break
		}
		if b.ID <= after || (category != "" && b.Category != category) {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// LoadFile reads a JSON array of businesses.
func LoadFile(path string) ([]models.Business, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var items []models.Business
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return items, nil
}
