package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/ericogr/kinect-to-mqtt/pkg/config"
	"github.com/ericogr/kinect-to-mqtt/pkg/sensor"
)

// schema.sql holds the session, elevation and skeleton joint tables.
//
//go:embed schema.sql
var schemaSQL string

// Store keeps elevation readings and tracked skeleton joints of one
// session. Images are not stored.
type Store struct {
	*sql.DB
	sessionID string
	logger    *zap.SugaredLogger
}

func NewSQLite(cfg config.SQLiteConfig, kinectIndex int, profile sensor.Profile, logger *zap.SugaredLogger) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// a single connection keeps ":memory:" databases shared
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &Store{DB: db, sessionID: uuid.NewString(), logger: logger}
	_, err = db.Exec(`INSERT INTO sessions (id, started_at, kinect_index, profile_version) VALUES (?, ?, ?, ?)`,
		s.sessionID, time.Now().UnixNano(), kinectIndex, profile.Version)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	logger.Infow("sqlite output ready", "path", cfg.Path, "session", s.sessionID)
	return s, nil
}

func (s *Store) SessionID() string { return s.sessionID }

func (s *Store) Publish(samples []sensor.Sample) error {
	tx, err := s.Begin()
	if err != nil {
		return err
	}
	for _, sample := range samples {
		switch sample.Port {
		case sensor.PortCurrentElevation:
			if sample.Elevation == nil {
				continue
			}
			err = s.insertElevation(tx, sample.Time, sample.Elevation.Degrees)
		case sensor.PortSkeleton:
			if sample.Skeleton == nil {
				continue
			}
			err = s.insertSkeleton(tx, sample.Time, sample.Skeleton)
		}
		if err != nil {
			return multierr.Append(err, tx.Rollback())
		}
	}
	return tx.Commit()
}

func (s *Store) insertElevation(tx *sql.Tx, ts time.Time, degrees int) error {
	_, err := tx.Exec(`INSERT INTO elevations (session_id, ts_ns, degrees) VALUES (?, ?, ?)`,
		s.sessionID, ts.UnixNano(), degrees)
	if err != nil {
		return fmt.Errorf("failed to insert elevation: %w", err)
	}
	return nil
}

func (s *Store) insertSkeleton(tx *sql.Tx, ts time.Time, f *sensor.SkeletonFrame) error {
	stmt, err := tx.Prepare(`
		INSERT INTO skeleton_joints
			(session_id, frame_number, ts_ns, skeleton_index, tracking_id, joint, x, y, z, w, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, sk := range f.Skeletons {
		if !sk.Tracked() {
			continue
		}
		for _, j := range sk.Joints {
			_, err := stmt.Exec(s.sessionID, f.FrameNumber, ts.UnixNano(), i, sk.TrackingID,
				j.Name, j.Position.X, j.Position.Y, j.Position.Z, j.Position.W, j.State)
			if err != nil {
				return fmt.Errorf("failed to insert joint %s: %w", j.Name, err)
			}
		}
	}
	return nil
}

// Elevations returns the elevation readings of the current session, oldest
// first.
func (s *Store) Elevations(ctx context.Context) ([]int, error) {
	rows, err := s.QueryContext(ctx, `SELECT degrees FROM elevations WHERE session_id = ? ORDER BY ts_ns, rowid`, s.sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int
	for rows.Next() {
		var d int
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Close stamps the session end time and closes the database.
func (s *Store) Close() error {
	_, err := s.Exec(`UPDATE sessions SET ended_at = ? WHERE id = ?`, time.Now().UnixNano(), s.sessionID)
	if err != nil {
		err = fmt.Errorf("failed to end session: %w", err)
	}
	return multierr.Append(err, s.DB.Close())
}
