// Package pgstore provides a PostgreSQL implementation of store.Store. The
// change feed rides on LISTEN/NOTIFY: a row trigger pushes every change on
// the incident_events channel and Watch relays it.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/sitrep/internal/incident"
	"github.com/linnemanlabs/sitrep/internal/store"
)

var tracer = otel.Tracer("github.com/linnemanlabs/sitrep/internal/store/pgstore")

//go:embed schema.sql
var schema string

// feedBuffer bounds how far a Watch subscriber may fall behind before
// notifications start queuing inside postgres instead.
const feedBuffer = 64

// Store persists incidents in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool

	baseLat float64
	baseLng float64
}

// New applies the schema against the given pool and returns a ready Store.
// The Store takes ownership of the pool; Close releases it.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{
		pool:    pool,
		baseLat: incident.DefaultBaseLat,
		baseLng: incident.DefaultBaseLng,
	}, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// SetBaseCoords overrides the fallback coordinates for submissions that
// carry no position.
func (s *Store) SetBaseCoords(lat, lng float64) {
	s.baseLat, s.baseLng = lat, lng
}

const incidentColumns = `id, type, location, lat, lng, severity, panic, verified, status,
	created_at, description, sentiment, transcription`

// List returns a full scan of all incidents, used for resync.
func (s *Store) List(ctx context.Context) ([]incident.Incident, error) {
	ctx, span := tracer.Start(ctx, "pgstore.List", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT `+incidentColumns+` FROM incidents`)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query incidents: %w", err)
	}
	defer rows.Close()

	var out []incident.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		out = append(out, *inc)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("iterate incidents: %w", err)
	}

	span.SetAttributes(attribute.Int("db.response.returned_rows", len(out)))
	return out, nil
}

// Watch subscribes to the incident_events channel on a dedicated connection.
// The returned channel closes when ctx is cancelled or the connection breaks;
// callers re-subscribe and resync.
func (s *Store) Watch(ctx context.Context) (<-chan store.Event, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen conn: %w", err)
	}
	if _, err := conn.Exec(ctx, `LISTEN incident_events`); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen incident_events: %w", err)
	}

	// Take the connection out of the pool for the subscription's lifetime;
	// a LISTEN-ing connection must not be reused for queries.
	raw := conn.Hijack()

	ch := make(chan store.Event, feedBuffer)
	go func() {
		defer close(ch)
		defer raw.Close(context.Background())
		for {
			n, err := raw.WaitForNotification(ctx)
			if err != nil {
				return
			}
			ev, err := decodeNotification([]byte(n.Payload))
			if err != nil {
				// Malformed payloads are skipped; the next resync repairs
				// whatever they would have carried.
				continue
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Create materializes a validated submission and inserts it. The change feed
// picks up the insert through the row trigger.
func (s *Store) Create(ctx context.Context, in incident.CreateInput) (*incident.Incident, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Create", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
	))
	defer span.End()

	inc := in.Materialize(ulid.Make().String(), time.Now(), s.baseLat, s.baseLng)

	_, err := s.pool.Exec(ctx,
		`INSERT INTO incidents (`+incidentColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		inc.ID, string(inc.Type), inc.Location, inc.Lat, inc.Lng, string(inc.Severity),
		inc.Panic, inc.Verified, string(inc.Status), inc.CreatedAt,
		inc.Description, inc.Sentiment, inc.Transcription,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("insert incident: %w", err)
	}
	return &inc, nil
}

// SetVerified marks an incident verified. One-way and idempotent.
func (s *Store) SetVerified(ctx context.Context, id string) (*incident.Incident, error) {
	return s.updateRow(ctx, "pgstore.SetVerified",
		`UPDATE incidents SET verified = TRUE WHERE id = $1 RETURNING `+incidentColumns, id)
}

// SetResolved marks an incident resolved. One-way and idempotent.
func (s *Store) SetResolved(ctx context.Context, id string) (*incident.Incident, error) {
	return s.updateRow(ctx, "pgstore.SetResolved",
		`UPDATE incidents SET status = 'Resolved' WHERE id = $1 RETURNING `+incidentColumns, id)
}

// Delete removes an incident. Absence is not an error; deletes are
// idempotent.
func (s *Store) Delete(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "pgstore.Delete", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "DELETE"),
	))
	defer span.End()

	if _, err := s.pool.Exec(ctx, `DELETE FROM incidents WHERE id = $1`, id); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("delete incident: %w", err)
	}
	return nil
}

func (s *Store) updateRow(ctx context.Context, spanName, query, id string) (*incident.Incident, error) {
	ctx, span := tracer.Start(ctx, spanName, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPDATE"),
	))
	defer span.End()

	inc, err := scanIncident(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return inc, nil
}

// scanIncident scans a single row into an Incident. A missing row maps to
// store.ErrNotFound.
func scanIncident(row pgx.Row) (*incident.Incident, error) {
	var (
		inc      incident.Incident
		typ      string
		severity string
		status   string
	)
	err := row.Scan(
		&inc.ID, &typ, &inc.Location, &inc.Lat, &inc.Lng, &severity,
		&inc.Panic, &inc.Verified, &status, &inc.CreatedAt,
		&inc.Description, &inc.Sentiment, &inc.Transcription,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("scan incident: %w", err)
	}
	inc.Type = incident.Type(typ)
	inc.Severity = incident.Severity(severity)
	inc.Status = incident.Status(status)
	return &inc, nil
}

// notifyPayload mirrors the JSON built by the incidents_notify trigger.
// The row object's column names line up with Incident's JSON tags.
type notifyPayload struct {
	Op       string             `json:"op"`
	ID       string             `json:"id"`
	Incident *incident.Incident `json:"incident"`
}

func decodeNotification(payload []byte) (store.Event, error) {
	var p notifyPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return store.Event{}, fmt.Errorf("decode notification: %w", err)
	}

	var op store.Op
	switch p.Op {
	case "insert":
		op = store.OpInsert
	case "update":
		op = store.OpUpdate
	case "delete":
		op = store.OpDelete
	default:
		return store.Event{}, fmt.Errorf("unknown notification op %q", p.Op)
	}
	return store.Event{Op: op, ID: p.ID, Incident: p.Incident}, nil
}
