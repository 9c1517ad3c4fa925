package repository

import (
	"context"
	"errors"
	"time"

	"ctfgate/internal/common/db"
	"ctfgate/internal/instance/model"
)

const instanceColumns = "principal_id, challenge_id, container_ref, host_port, created_at"

// SQLRegistry implements Registry on the relational store.
type SQLRegistry struct {
	db db.Provider
}

func NewSQLRegistry(provider db.Provider) *SQLRegistry {
	return &SQLRegistry{db: provider}
}

func (r *SQLRegistry) FindByKey(ctx context.Context, key model.InstanceKey) (*model.InstanceRecord, error) {
	database, err := r.database()
	if err != nil {
		return nil, err
	}
	query := "SELECT " + instanceColumns + " FROM instance_records WHERE principal_id = ? AND challenge_id = ?"
	record, err := scanInstance(database.QueryRow(ctx, query, key.PrincipalID, key.ChallengeID))
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return record, nil
}

func (r *SQLRegistry) FindByPort(ctx context.Context, hostPort int) (*model.InstanceRecord, error) {
	database, err := r.database()
	if err != nil {
		return nil, err
	}
	query := "SELECT " + instanceColumns + " FROM instance_records WHERE host_port = ?"
	record, err := scanInstance(database.QueryRow(ctx, query, hostPort))
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return record, nil
}

func (r *SQLRegistry) InsertIfAbsent(ctx context.Context, record *model.InstanceRecord) (*model.InstanceRecord, bool, error) {
	if record == nil {
		return nil, false, errors.New("record is nil")
	}
	err := r.insert(ctx, nil, record)
	if err == nil {
		return nil, true, nil
	}
	return r.resolveInsertConflict(ctx, record, err)
}

func (r *SQLRegistry) DeleteIfMatches(ctx context.Context, key model.InstanceKey, containerRef string) (bool, error) {
	return r.deleteIfMatches(ctx, nil, key, containerRef)
}

func (r *SQLRegistry) ReplaceIfMatches(ctx context.Context, stale, record *model.InstanceRecord) (*model.InstanceRecord, bool, error) {
	if stale == nil || record == nil {
		return nil, false, errors.New("record is nil")
	}
	database, err := r.database()
	if err != nil {
		return nil, false, err
	}

	replaced := false
	err = database.Transaction(ctx, func(tx db.Transaction) error {
		deleted, err := r.deleteIfMatches(ctx, tx, stale.Key(), stale.ContainerRef)
		if err != nil || !deleted {
			return err
		}
		if err := r.insert(ctx, tx, record); err != nil {
			return err
		}
		replaced = true
		return nil
	})
	if err == nil {
		return nil, replaced, nil
	}
	return r.resolveInsertConflict(ctx, record, err)
}

func (r *SQLRegistry) insert(ctx context.Context, tx db.Transaction, record *model.InstanceRecord) error {
	database, err := r.database()
	if err != nil {
		return err
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	query := "INSERT INTO instance_records (" + instanceColumns + ") VALUES (?, ?, ?, ?, ?)"
	_, err = db.GetQuerier(database, tx).Exec(ctx, query,
		record.PrincipalID,
		record.ChallengeID,
		record.ContainerRef,
		record.HostPort,
		record.CreatedAt.UnixMilli(),
	)
	return err
}

// resolveInsertConflict maps a failed insert to the Registry contract.
// Runs outside any transaction, since some drivers abort a transaction after a constraint error.
func (r *SQLRegistry) resolveInsertConflict(ctx context.Context, record *model.InstanceRecord, insertErr error) (*model.InstanceRecord, bool, error) {
	if _, dup := db.UniqueViolation(insertErr); !dup {
		return nil, false, insertErr
	}

	// The key constraint takes precedence: a concurrent launch for the same
	// key won, and its record is what the caller must route to.
	existing, err := r.FindByKey(ctx, record.Key())
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrInstanceNotFound) {
		return nil, false, err
	}
	return nil, false, ErrPortConflict
}

func (r *SQLRegistry) deleteIfMatches(ctx context.Context, tx db.Transaction, key model.InstanceKey, containerRef string) (bool, error) {
	database, err := r.database()
	if err != nil {
		return false, err
	}
	query := "DELETE FROM instance_records WHERE principal_id = ? AND challenge_id = ? AND container_ref = ?"
	result, err := db.GetQuerier(database, tx).Exec(ctx, query, key.PrincipalID, key.ChallengeID, containerRef)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (r *SQLRegistry) CountByPrincipal(ctx context.Context, principalID string) (int, error) {
	database, err := r.database()
	if err != nil {
		return 0, err
	}
	var count int
	query := "SELECT COUNT(*) FROM instance_records WHERE principal_id = ?"
	if err := database.QueryRow(ctx, query, principalID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (r *SQLRegistry) List(ctx context.Context) ([]*model.InstanceRecord, error) {
	database, err := r.database()
	if err != nil {
		return nil, err
	}
	rows, err := database.Query(ctx, "SELECT "+instanceColumns+" FROM instance_records ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]*model.InstanceRecord, 0, 16)
	for rows.Next() {
		record, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (r *SQLRegistry) database() (db.Database, error) {
	database := db.CurrentDatabase(r.db)
	if database == nil {
		return nil, errors.New("database is not configured")
	}
	return database, nil
}

func scanInstance(scanner db.Scanner) (*model.InstanceRecord, error) {
	var record model.InstanceRecord
	var createdAt int64
	err := scanner.Scan(
		&record.PrincipalID,
		&record.ChallengeID,
		&record.ContainerRef,
		&record.HostPort,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}
	record.CreatedAt = time.UnixMilli(createdAt)
	return &record, nil
}

var _ Registry = (*SQLRegistry)(nil)
