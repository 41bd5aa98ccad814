package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"musicmashup/logger"
	"musicmashup/model"
)

// TrackRepository defines the interface for uploaded track and stem data.
type TrackRepository interface {
	CreateTrack(ctx context.Context, track *model.Track) (int64, error)
	GetTrack(ctx context.Context, id int64) (*model.Track, error)
	ListTracks(ctx context.Context) ([]*model.Track, error)
	DeleteTrack(ctx context.Context, id int64) error
	SaveStem(ctx context.Context, stem *model.StemAsset) error
	GetStem(ctx context.Context, trackID int64, kind string) (*model.StemAsset, error)
	ListStems(ctx context.Context, trackID int64) ([]*model.StemAsset, error)
}

// sqlTrackRepository implements TrackRepository over database/sql. The
// queries stay within the SQL both MySQL and SQLite accept.
type sqlTrackRepository struct {
	db *sql.DB
}

// NewSQLTrackRepository creates a new sqlTrackRepository.
func NewSQLTrackRepository(db *sql.DB) TrackRepository {
	return &sqlTrackRepository{db: db}
}

const trackColumns = `id, filename, object_key, content_type, size, content_hash, bpm, music_key, created_at`

// CreateTrack adds a new track and fills in its ID and creation time.
func (r *sqlTrackRepository) CreateTrack(ctx context.Context, track *model.Track) (int64, error) {
	query := `INSERT INTO audio_files (filename, object_key, content_type, size, content_hash, bpm, music_key, created_at)
	           VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	now := time.Now().UTC().Truncate(time.Second)
	res, err := r.db.ExecContext(ctx, query,
		track.Filename, track.ObjectKey, track.ContentType, track.Size, track.ContentHash,
		nullFloat(track.BPM), nullString(track.Key), now)
	if err != nil {
		return 0, fmt.Errorf("failed to execute CreateTrack: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for CreateTrack: %w", err)
	}
	track.ID = id
	track.CreatedAt = now
	logger.Info("track created", logger.Int64("id", id), logger.String("filename", track.Filename))
	return id, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrack(row rowScanner) (*model.Track, error) {
	var (
		t   model.Track
		bpm sql.NullFloat64
		key sql.NullString
	)
	if err := row.Scan(&t.ID, &t.Filename, &t.ObjectKey, &t.ContentType, &t.Size, &t.ContentHash, &bpm, &key, &t.CreatedAt); err != nil {
		return nil, err
	}
	if bpm.Valid {
		v := bpm.Float64
		t.BPM = &v
	}
	if key.Valid {
		v := key.String
		t.Key = &v
	}
	return &t, nil
}

// GetTrack retrieves a track by its ID. A missing track is (nil, nil).
func (r *sqlTrackRepository) GetTrack(ctx context.Context, id int64) (*model.Track, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+trackColumns+` FROM audio_files WHERE id = ?`, id)
	t, err := scanTrack(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan track by ID %d: %w", id, err)
	}
	return t, nil
}

// ListTracks returns every track in upload order.
func (r *sqlTrackRepository) ListTracks(ctx context.Context) ([]*model.Track, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+trackColumns+` FROM audio_files ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tracks: %w", err)
	}
	defer rows.Close()

	tracks := make([]*model.Track, 0)
	for rows.Next() {
		t, err := scanTrack(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan track in ListTracks: %w", err)
		}
		tracks = append(tracks, t)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration in ListTracks: %w", err)
	}
	return tracks, nil
}

// DeleteTrack removes a track and its stems in one transaction.
func (r *sqlTrackRepository) DeleteTrack(ctx context.Context, id int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM stem_assets WHERE track_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete stems of track %d: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM audio_files WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete track %d: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit DeleteTrack: %w", err)
	}
	logger.Info("track deleted", logger.Int64("id", id))
	return nil
}

// SaveStem replaces the stem of the same track and kind.
func (r *sqlTrackRepository) SaveStem(ctx context.Context, stem *model.StemAsset) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM stem_assets WHERE track_id = ? AND kind = ?`, stem.TrackID, stem.Kind); err != nil {
		return fmt.Errorf("failed to replace stem: %w", err)
	}
	now := time.Now().UTC().Truncate(time.Second)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO stem_assets (track_id, kind, object_key, content_type, created_at) VALUES (?, ?, ?, ?, ?)`,
		stem.TrackID, stem.Kind, stem.ObjectKey, stem.ContentType, now)
	if err != nil {
		return fmt.Errorf("failed to insert stem: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit SaveStem: %w", err)
	}
	stem.CreatedAt = now
	return nil
}

const stemColumns = `track_id, kind, object_key, content_type, created_at`

// GetStem returns (nil, nil) when the track has no stem of that kind.
func (r *sqlTrackRepository) GetStem(ctx context.Context, trackID int64, kind string) (*model.StemAsset, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+stemColumns+` FROM stem_assets WHERE track_id = ? AND kind = ?`, trackID, kind)
	var s model.StemAsset
	if err := row.Scan(&s.TrackID, &s.Kind, &s.ObjectKey, &s.ContentType, &s.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan stem %d/%s: %w", trackID, kind, err)
	}
	return &s, nil
}

func (r *sqlTrackRepository) ListStems(ctx context.Context, trackID int64) ([]*model.StemAsset, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+stemColumns+` FROM stem_assets WHERE track_id = ? ORDER BY kind DESC`, trackID)
	if err != nil {
		return nil, fmt.Errorf("failed to query stems of track %d: %w", trackID, err)
	}
	defer rows.Close()

	stems := make([]*model.StemAsset, 0, 2)
	for rows.Next() {
		var s model.StemAsset
		if err := rows.Scan(&s.TrackID, &s.Kind, &s.ObjectKey, &s.ContentType, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan stem: %w", err)
		}
		stems = append(stems, &s)
	}
	return stems, rows.Err()
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}
