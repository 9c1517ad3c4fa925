package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"ctfgate/internal/common/cache"
	"ctfgate/internal/common/db"
	"ctfgate/internal/instance/model"
)

const (
	defaultChallengeTTL      = 5 * time.Minute
	defaultChallengeEmptyTTL = 30 * time.Second
	challengeKeyPrefix       = "instance:challenge:"
)

// ChallengeCatalog resolves the launch parameters of a challenge.
type ChallengeCatalog interface {
	// Get returns ErrChallengeNotFound for unknown ids.
	Get(ctx context.Context, challengeID string) (model.ChallengeSpec, error)
}

// SQLChallengeCatalog reads the portal's challenge table, with an optional read-through cache.
type SQLChallengeCatalog struct {
	db       db.Provider
	cache    cache.BasicOps
	ttl      time.Duration
	emptyTTL time.Duration
}

func NewSQLChallengeCatalog(provider db.Provider, cacheClient cache.BasicOps) *SQLChallengeCatalog {
	return NewSQLChallengeCatalogWithTTL(provider, cacheClient, defaultChallengeTTL, defaultChallengeEmptyTTL)
}

func NewSQLChallengeCatalogWithTTL(provider db.Provider, cacheClient cache.BasicOps, ttl, emptyTTL time.Duration) *SQLChallengeCatalog {
	if ttl <= 0 {
		ttl = defaultChallengeTTL
	}
	if emptyTTL <= 0 {
		emptyTTL = defaultChallengeEmptyTTL
	}
	return &SQLChallengeCatalog{db: provider, cache: cacheClient, ttl: ttl, emptyTTL: emptyTTL}
}

func (c *SQLChallengeCatalog) Get(ctx context.Context, challengeID string) (model.ChallengeSpec, error) {
	id, err := strconv.ParseInt(challengeID, 10, 64)
	if err != nil || id <= 0 {
		return model.ChallengeSpec{}, ErrChallengeNotFound
	}
	if c.cache == nil {
		return c.getFromDB(ctx, id)
	}

	spec, err := cache.GetWithCached[model.ChallengeSpec](
		ctx,
		c.cache,
		challengeKeyPrefix+challengeID,
		cache.JitterTTL(c.ttl),
		cache.JitterTTL(c.emptyTTL),
		func(spec model.ChallengeSpec) bool { return spec.ChallengeID == "" },
		marshalChallengeSpec,
		unmarshalChallengeSpec,
		func(ctx context.Context) (model.ChallengeSpec, error) {
			spec, err := c.getFromDB(ctx, id)
			if errors.Is(err, ErrChallengeNotFound) {
				return model.ChallengeSpec{}, nil
			}
			return spec, err
		},
	)
	if err != nil {
		return model.ChallengeSpec{}, err
	}
	if spec.ChallengeID == "" {
		return model.ChallengeSpec{}, ErrChallengeNotFound
	}
	return spec, nil
}

func (c *SQLChallengeCatalog) getFromDB(ctx context.Context, id int64) (model.ChallengeSpec, error) {
	database := db.CurrentDatabase(c.db)
	if database == nil {
		return model.ChallengeSpec{}, errors.New("database is not configured")
	}

	var image sql.NullString
	var port sql.NullInt64
	query := "SELECT docker_image, port FROM challenge WHERE id = ?"
	if err := database.QueryRow(ctx, query, id).Scan(&image, &port); err != nil {
		if db.IsNoRows(err) {
			return model.ChallengeSpec{}, ErrChallengeNotFound
		}
		return model.ChallengeSpec{}, err
	}
	return model.ChallengeSpec{
		ChallengeID:    strconv.FormatInt(id, 10),
		ImageReference: strings.TrimSpace(image.String),
		InternalPort:   int(port.Int64),
	}, nil
}

func marshalChallengeSpec(spec model.ChallengeSpec) string {
	payload, err := json.Marshal(spec)
	if err != nil {
		return ""
	}
	return string(payload)
}

func unmarshalChallengeSpec(data string) (model.ChallengeSpec, error) {
	var spec model.ChallengeSpec
	if err := json.Unmarshal([]byte(data), &spec); err != nil {
		return model.ChallengeSpec{}, err
	}
	return spec, nil
}

// StaticChallengeCatalog serves challenges declared in configuration.
type StaticChallengeCatalog struct {
	specs map[string]model.ChallengeSpec
}

func NewStaticChallengeCatalog(specs []model.ChallengeSpec) *StaticChallengeCatalog {
	index := make(map[string]model.ChallengeSpec, len(specs))
	for _, spec := range specs {
		index[spec.ChallengeID] = spec
	}
	return &StaticChallengeCatalog{specs: index}
}

func (c *StaticChallengeCatalog) Get(_ context.Context, challengeID string) (model.ChallengeSpec, error) {
	spec, ok := c.specs[challengeID]
	if !ok {
		return model.ChallengeSpec{}, ErrChallengeNotFound
	}
	return spec, nil
}

var (
	_ ChallengeCatalog = (*SQLChallengeCatalog)(nil)
	_ ChallengeCatalog = (*StaticChallengeCatalog)(nil)
)
