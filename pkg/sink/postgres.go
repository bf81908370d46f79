package sink

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alimk/ecowatch-sync/pkg/mirror"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS sensor_latest (
    device_id        TEXT PRIMARY KEY,
    lat              DOUBLE PRECISION NOT NULL,
    lng              DOUBLE PRECISION NOT NULL,
    temperature      DOUBLE PRECISION NOT NULL,
    ph               DOUBLE PRECISION NOT NULL,
    turbidity        DOUBLE PRECISION NOT NULL,
    dissolved_oxygen DOUBLE PRECISION NOT NULL,
    nitrate          DOUBLE PRECISION NOT NULL,
    phosphate        DOUBLE PRECISION NOT NULL,
    bloom_risk       TEXT NOT NULL,
    status           TEXT NOT NULL,
    observed_at      TIMESTAMPTZ NOT NULL,
    tick             BIGINT NOT NULL,
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS sensor_history (
    device_id        TEXT NOT NULL,
    observed_at      TIMESTAMPTZ NOT NULL,
    temperature      DOUBLE PRECISION NOT NULL,
    ph               DOUBLE PRECISION NOT NULL,
    turbidity        DOUBLE PRECISION NOT NULL,
    dissolved_oxygen DOUBLE PRECISION NOT NULL,
    nitrate          DOUBLE PRECISION NOT NULL,
    phosphate        DOUBLE PRECISION NOT NULL,
    bloom_risk       TEXT NOT NULL,
    status           TEXT NOT NULL,
    PRIMARY KEY (device_id, observed_at)
);`

// The WHERE clause keeps a row from moving backwards when the backend
// returns an older snapshot than the one already stored.
const upsertLatest = `INSERT INTO sensor_latest (device_id, lat, lng, temperature, ph, turbidity, dissolved_oxygen, nitrate, phosphate, bloom_risk, status, observed_at, tick, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,NOW())
ON CONFLICT (device_id) DO UPDATE
SET lat = EXCLUDED.lat,
    lng = EXCLUDED.lng,
    temperature = EXCLUDED.temperature,
    ph = EXCLUDED.ph,
    turbidity = EXCLUDED.turbidity,
    dissolved_oxygen = EXCLUDED.dissolved_oxygen,
    nitrate = EXCLUDED.nitrate,
    phosphate = EXCLUDED.phosphate,
    bloom_risk = EXCLUDED.bloom_risk,
    status = EXCLUDED.status,
    observed_at = EXCLUDED.observed_at,
    tick = EXCLUDED.tick,
    updated_at = NOW()
WHERE sensor_latest.observed_at <= EXCLUDED.observed_at`

const insertHistory = `INSERT INTO sensor_history (device_id, observed_at, temperature, ph, turbidity, dissolved_oxygen, nitrate, phosphate, bloom_risk, status)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (device_id, observed_at) DO NOTHING`

// Postgres keeps a latest-reading table and an append-only history table.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres opens a pool, checks connectivity and applies the schema.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Name() string { return "postgres" }

// Write sends both statements for every view in one round trip.
func (p *Postgres) Write(ctx context.Context, b mirror.Batch) error {
	batch := buildBatch(b)
	if batch.Len() == 0 {
		return nil
	}
	res := p.pool.SendBatch(ctx, batch)
	defer res.Close()

	for i := 0; i < batch.Len(); i++ {
		if _, err := res.Exec(); err != nil {
			return fmt.Errorf("batch statement %d: %w", i, err)
		}
	}
	return nil
}

func buildBatch(b mirror.Batch) *pgx.Batch {
	batch := &pgx.Batch{}
	for _, v := range b.Views {
		at := observedAt(v, b)
		p := v.Parameters
		batch.Queue(upsertLatest,
			v.DeviceID, v.Location.Lat, v.Location.Lng,
			p.Temperature, p.PH, p.Turbidity, p.DissolvedOxygen, p.Nitrate, p.Phosphate,
			string(v.BloomRisk), string(v.Status), at, int64(b.Tick))
		batch.Queue(insertHistory,
			v.DeviceID, at,
			p.Temperature, p.PH, p.Turbidity, p.DissolvedOxygen, p.Nitrate, p.Phosphate,
			string(v.BloomRisk), string(v.Status))
	}
	return batch
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
