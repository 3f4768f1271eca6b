package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/qustavo/dotsql"

	"github.com/lwm2m-go/lwm2m-server/pkg/lwm2m"
	"github.com/lwm2m-go/lwm2m-server/pkg/observation"
	"github.com/lwm2m-go/lwm2m-server/pkg/registration"
	"github.com/lwm2m-go/lwm2m-server/pkg/security"
)

// SQLStore persists registrations, observations and security infos in a
// shared SQL database so several server nodes can take over each other's
// clients. Records are stored as CBOR blobs next to the indexed columns.
type SQLStore struct {
	db  *sqlx.DB
	dot *dotsql.DotSql
}

type registrationRow struct {
	ID   string `db:"id"`
	Data []byte `db:"data"`
}

type observationRow struct {
	RegistrationID string `db:"registration_id"`
	Path           string `db:"path"`
	Data           []byte `db:"data"`
}

type securityRow struct {
	Endpoint string `db:"endpoint"`
	Data     []byte `db:"data"`
}

// NewSQLStore wraps an open database. Call Migrate first on a fresh database.
func NewSQLStore(db *sqlx.DB) (*SQLStore, error) {
	dot, err := loadQueries()
	if err != nil {
		return nil, err
	}
	return &SQLStore{db: db, dot: dot}, nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// query returns a named query rebound to the driver's placeholder style.
func (s *SQLStore) query(name string) (string, error) {
	raw, err := s.dot.Raw(name)
	if err != nil {
		return "", fmt.Errorf("query %s: %w", name, err)
	}
	return s.db.Rebind(raw), nil
}

func (s *SQLStore) exec(ctx context.Context, name string, args ...any) (sql.Result, error) {
	q, err := s.query(name)
	if err != nil {
		return nil, err
	}
	return s.db.ExecContext(ctx, q, args...)
}

// SaveRegistration implements registration.Backend.
func (s *SQLStore) SaveRegistration(ctx context.Context, reg *registration.Registration) error {
	data, err := EncodeRegistration(reg)
	if err != nil {
		return err
	}
	expiresAt := reg.ExpirationTime().UnixMilli()
	if _, err := s.exec(ctx, "upsert-registration", reg.ID, reg.Endpoint, expiresAt, data); err != nil {
		return fmt.Errorf("save registration %s: %w", reg.ID, err)
	}
	return nil
}

// DeleteRegistration implements registration.Backend.
func (s *SQLStore) DeleteRegistration(ctx context.Context, id string) error {
	if _, err := s.exec(ctx, "delete-registration", id); err != nil {
		return fmt.Errorf("delete registration %s: %w", id, err)
	}
	return nil
}

// LoadRegistrations implements registration.Backend.
func (s *SQLStore) LoadRegistrations(ctx context.Context) ([]*registration.Registration, error) {
	q, err := s.query("list-registrations")
	if err != nil {
		return nil, err
	}
	var rows []registrationRow
	if err := s.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, fmt.Errorf("list registrations: %w", err)
	}

	out := make([]*registration.Registration, 0, len(rows))
	for _, row := range rows {
		reg, err := DecodeRegistration(row.Data)
		if err != nil {
			return nil, fmt.Errorf("registration %s: %w", row.ID, err)
		}
		out = append(out, reg)
	}
	return out, nil
}

// SaveObservation implements observation.Backend.
func (s *SQLStore) SaveObservation(ctx context.Context, obs observation.Observation) error {
	data, err := EncodeObservation(obs)
	if err != nil {
		return err
	}
	if _, err := s.exec(ctx, "upsert-observation", obs.RegistrationID, obs.Path.String(), data); err != nil {
		return fmt.Errorf("save observation %s%s: %w", obs.RegistrationID, obs.Path, err)
	}
	return nil
}

// DeleteObservation implements observation.Backend.
func (s *SQLStore) DeleteObservation(ctx context.Context, regID string, path lwm2m.Path) error {
	if _, err := s.exec(ctx, "delete-observation", regID, path.String()); err != nil {
		return fmt.Errorf("delete observation %s%s: %w", regID, path, err)
	}
	return nil
}

// DeleteObservations implements observation.Backend.
func (s *SQLStore) DeleteObservations(ctx context.Context, regID string) error {
	if _, err := s.exec(ctx, "delete-observations", regID); err != nil {
		return fmt.Errorf("delete observations of %s: %w", regID, err)
	}
	return nil
}

// LoadObservations implements observation.Backend.
func (s *SQLStore) LoadObservations(ctx context.Context) ([]observation.Observation, error) {
	q, err := s.query("list-observations")
	if err != nil {
		return nil, err
	}
	var rows []observationRow
	if err := s.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, fmt.Errorf("list observations: %w", err)
	}

	out := make([]observation.Observation, 0, len(rows))
	for _, row := range rows {
		obs, err := DecodeObservation(row.Data)
		if err != nil {
			return nil, fmt.Errorf("observation %s%s: %w", row.RegistrationID, row.Path, err)
		}
		out = append(out, obs)
	}
	return out, nil
}

// Get implements security.Store.
func (s *SQLStore) Get(ctx context.Context, endpoint string) (security.Info, error) {
	return s.getSecurity(ctx, "get-security-info", endpoint)
}

// GetByIdentity implements security.Store.
func (s *SQLStore) GetByIdentity(ctx context.Context, pskIdentity string) (security.Info, error) {
	return s.getSecurity(ctx, "get-security-info-by-identity", pskIdentity)
}

func (s *SQLStore) getSecurity(ctx context.Context, name, key string) (security.Info, error) {
	q, err := s.query(name)
	if err != nil {
		return security.Info{}, err
	}
	var row securityRow
	if err := s.db.GetContext(ctx, &row, q, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return security.Info{}, security.ErrNotFound
		}
		return security.Info{}, fmt.Errorf("get security info: %w", err)
	}
	return DecodeSecurityInfo(row.Data)
}

// Put implements security.Store. The lookup of the previous value and the
// identity check run in one transaction.
func (s *SQLStore) Put(ctx context.Context, info security.Info) (*security.Info, error) {
	if err := info.Validate(); err != nil {
		return nil, err
	}
	data, err := EncodeSecurityInfo(info)
	if err != nil {
		return nil, err
	}

	getQ, err := s.query("get-security-info")
	if err != nil {
		return nil, err
	}
	byIdentityQ, err := s.query("get-security-info-by-identity")
	if err != nil {
		return nil, err
	}
	upsertQ, err := s.query("upsert-security-info")
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if info.PSKIdentity != "" {
		var owner securityRow
		err := tx.GetContext(ctx, &owner, byIdentityQ, info.PSKIdentity)
		switch {
		case err == nil && owner.Endpoint != info.Endpoint:
			return nil, security.ErrIdentityConflict
		case err != nil && !errors.Is(err, sql.ErrNoRows):
			return nil, fmt.Errorf("check psk identity: %w", err)
		}
	}

	var previous *security.Info
	var old securityRow
	err = tx.GetContext(ctx, &old, getQ, info.Endpoint)
	switch {
	case err == nil:
		prev, err := DecodeSecurityInfo(old.Data)
		if err != nil {
			return nil, err
		}
		previous = &prev
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("get security info: %w", err)
	}

	// NULL keeps the unique index from matching endpoints without a PSK.
	identity := sql.NullString{String: info.PSKIdentity, Valid: info.PSKIdentity != ""}
	if _, err := tx.ExecContext(ctx, upsertQ, info.Endpoint, identity, data); err != nil {
		return nil, fmt.Errorf("save security info: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return previous, nil
}

// Remove implements security.Store.
func (s *SQLStore) Remove(ctx context.Context, endpoint string) (security.Info, error) {
	info, err := s.Get(ctx, endpoint)
	if err != nil {
		return security.Info{}, err
	}
	if _, err := s.exec(ctx, "delete-security-info", endpoint); err != nil {
		return security.Info{}, fmt.Errorf("delete security info: %w", err)
	}
	return info, nil
}

var (
	_ registration.Backend = (*SQLStore)(nil)
	_ observation.Backend  = (*SQLStore)(nil)
	_ security.Store       = (*SQLStore)(nil)
)
