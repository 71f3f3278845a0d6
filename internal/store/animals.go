package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/septivank/vetsync-engine/internal/domain"
)

// SaveAnimal inserts or replaces an animal. Animals referenced by a session
// can only change through CorrectAnimal.
func (s *Store) SaveAnimal(ctx context.Context, a domain.Animal) error {
	inUse, err := s.animalInUse(ctx, a.ID)
	if err != nil {
		return err
	}
	if inUse {
		return ErrAnimalInUse
	}
	ranges, err := json.Marshal(a.Ranges)
	if err != nil {
		return fmt.Errorf("marshal ranges: %w", err)
	}
	const stmt = `
INSERT INTO animals (id, name, species, breed, weight_kg, ranges, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  name=excluded.name,
  species=excluded.species,
  breed=excluded.breed,
  weight_kg=excluded.weight_kg,
  ranges=excluded.ranges;
`
	_, err = s.db.ExecContext(ctx, stmt,
		a.ID.String(), a.Name, string(a.Species), a.Breed, a.WeightKg, string(ranges), unixNano(a.CreatedAt))
	if err != nil {
		return storageErr("save animal", err)
	}
	return nil
}

// CorrectAnimal applies an authorized correction to an animal, recording who
// made it and when.
func (s *Store) CorrectAnimal(ctx context.Context, a domain.Animal, by string, at time.Time) error {
	ranges, err := json.Marshal(a.Ranges)
	if err != nil {
		return fmt.Errorf("marshal ranges: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE animals SET name=?, species=?, breed=?, weight_kg=?, ranges=?, corrected_at=?, corrected_by=?
WHERE id=?`,
		a.Name, string(a.Species), a.Breed, a.WeightKg, string(ranges), at.UnixNano(), by, a.ID.String())
	if err != nil {
		return storageErr("correct animal", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetAnimal loads one animal.
func (s *Store) GetAnimal(ctx context.Context, id uuid.UUID) (domain.Animal, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, name, species, breed, weight_kg, ranges, created_at, corrected_at, corrected_by
FROM animals WHERE id=?`, id.String())
	a, err := scanAnimal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Animal{}, ErrNotFound
	}
	if err != nil {
		return domain.Animal{}, storageErr("get animal", err)
	}
	return a, nil
}

// ListAnimals returns every animal ordered by name.
func (s *Store) ListAnimals(ctx context.Context) ([]domain.Animal, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, species, breed, weight_kg, ranges, created_at, corrected_at, corrected_by
FROM animals ORDER BY name, id`)
	if err != nil {
		return nil, storageErr("list animals", err)
	}
	defer rows.Close()

	var out []domain.Animal
	for rows.Next() {
		a, err := scanAnimal(rows)
		if err != nil {
			return nil, storageErr("scan animal", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list animals", err)
	}
	return out, nil
}

func (s *Store) animalInUse(ctx context.Context, id uuid.UUID) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE animal_id=?`, id.String()).Scan(&n)
	if err != nil {
		return false, storageErr("check animal use", err)
	}
	return n > 0, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAnimal(sc scanner) (domain.Animal, error) {
	var (
		a           domain.Animal
		id, species string
		ranges      string
		created     int64
		corrected   sql.NullInt64
	)
	if err := sc.Scan(&id, &a.Name, &species, &a.Breed, &a.WeightKg, &ranges, &created, &corrected, &a.CorrectedBy); err != nil {
		return a, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return a, fmt.Errorf("parse animal id: %w", err)
	}
	if err := json.Unmarshal([]byte(ranges), &a.Ranges); err != nil {
		return a, fmt.Errorf("unmarshal ranges: %w", err)
	}
	a.ID = parsed
	a.Species = domain.Species(species)
	a.CreatedAt = fromUnixNano(created)
	a.CorrectedAt = fromNullTime(corrected)
	return a, nil
}

// UpsertCollar records a scan result.
func (s *Store) UpsertCollar(ctx context.Context, c domain.Collar) error {
	const stmt = `
INSERT INTO collars (id, name, model, firmware, battery_pct, rssi, last_seen_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  name=excluded.name,
  model=excluded.model,
  firmware=excluded.firmware,
  battery_pct=excluded.battery_pct,
  rssi=excluded.rssi,
  last_seen_at=excluded.last_seen_at;
`
	_, err := s.db.ExecContext(ctx, stmt,
		c.ID, c.Name, c.Model, c.Firmware, c.BatteryPct, c.RSSI, unixNano(c.LastSeenAt))
	if err != nil {
		return storageErr("upsert collar", err)
	}
	return nil
}

// GetCollar loads one collar.
func (s *Store) GetCollar(ctx context.Context, id string) (domain.Collar, error) {
	var (
		c    domain.Collar
		seen int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, name, model, firmware, battery_pct, rssi, last_seen_at FROM collars WHERE id=?`, id).
		Scan(&c.ID, &c.Name, &c.Model, &c.Firmware, &c.BatteryPct, &c.RSSI, &seen)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, storageErr("get collar", err)
	}
	c.LastSeenAt = fromUnixNano(seen)
	return c, nil
}

// ListCollars returns known collars, most recently seen first.
func (s *Store) ListCollars(ctx context.Context) ([]domain.Collar, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, model, firmware, battery_pct, rssi, last_seen_at FROM collars ORDER BY last_seen_at DESC, id`)
	if err != nil {
		return nil, storageErr("list collars", err)
	}
	defer rows.Close()

	var out []domain.Collar
	for rows.Next() {
		var (
			c    domain.Collar
			seen int64
		)
		if err := rows.Scan(&c.ID, &c.Name, &c.Model, &c.Firmware, &c.BatteryPct, &c.RSSI, &seen); err != nil {
			return nil, storageErr("scan collar", err)
		}
		c.LastSeenAt = fromUnixNano(seen)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list collars", err)
	}
	return out, nil
}
