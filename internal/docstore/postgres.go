package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Postgres persists collections as JSONB documents, one table per
// collection (see migrations/). Single-document updates run inside a
// row-locked transaction so concurrent writers on the same document
// serialize at the store, not in application code.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a PostgreSQL-backed store.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Collection names map directly to table names; reject anything that is
// not a known collection before interpolating.
var validCollections = map[string]bool{
	Escrows:   true,
	Logs:      true,
	Analytics: true,
}

func (p *Postgres) FindOne(ctx context.Context, collection string, filter Filter) (Document, error) {
	if !validCollections[collection] {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	cond, args, err := buildCond(filter, 1)
	if err != nil {
		return nil, err
	}

	var raw []byte
	row := p.db.QueryRowContext(ctx,
		`SELECT doc FROM `+collection+` WHERE `+cond+` LIMIT 1`, args...)
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (p *Postgres) FindAll(ctx context.Context, collection string, filter Filter) ([]Document, error) {
	if !validCollections[collection] {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	cond, args, err := buildCond(filter, 1)
	if err != nil {
		return nil, err
	}

	rows, err := p.db.QueryContext(ctx,
		`SELECT doc FROM `+collection+` WHERE `+cond+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var doc Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateOne(ctx context.Context, collection string, filter Filter, patch Patch, upsert bool) Outcome {
	if !validCollections[collection] {
		return failedOutcome(fmt.Errorf("%w: %s", ErrUnknownCollection, collection))
	}
	cond, args, err := buildCond(filter, 1)
	if err != nil {
		return failedOutcome(err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return failedOutcome(err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		id  int64
		raw []byte
	)
	row := tx.QueryRowContext(ctx,
		`SELECT id, doc FROM `+collection+` WHERE `+cond+` LIMIT 1 FOR UPDATE`, args...)
	err = row.Scan(&id, &raw)

	switch {
	case err == sql.ErrNoRows:
		if !upsert {
			_ = tx.Commit()
			return Outcome{Acknowledged: true}.finalize()
		}
		doc := Document{}
		for k, v := range filter {
			if k == "$or" {
				continue
			}
			doc[k] = v
		}
		applyPatch(doc, patch)
		body, merr := json.Marshal(doc)
		if merr != nil {
			return failedOutcome(merr)
		}
		if err := tx.QueryRowContext(ctx,
			`INSERT INTO `+collection+` (doc) VALUES ($1::jsonb) RETURNING id`, body).Scan(&id); err != nil {
			return failedOutcome(err)
		}
		if err := tx.Commit(); err != nil {
			return failedOutcome(err)
		}
		return Outcome{Acknowledged: true, UpsertedID: strconv.FormatInt(id, 10)}.finalize()

	case err != nil:
		return failedOutcome(err)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return failedOutcome(err)
	}

	out := Outcome{Acknowledged: true, MatchedCount: 1}
	if applyPatch(doc, patch) {
		body, merr := json.Marshal(doc)
		if merr != nil {
			return failedOutcome(merr)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE `+collection+` SET doc = $1::jsonb WHERE id = $2`, body, id); err != nil {
			return failedOutcome(err)
		}
		out.ModifiedCount = 1
	}
	if err := tx.Commit(); err != nil {
		return failedOutcome(err)
	}
	return out.finalize()
}

func (p *Postgres) UpdateMany(ctx context.Context, specs []UpdateSpec) []Outcome {
	outcomes := make([]Outcome, 0, len(specs))
	for _, spec := range specs {
		outcomes = append(outcomes, p.UpdateOne(ctx, spec.Collection, spec.Filter, spec.Patch, spec.Upsert))
	}
	return outcomes
}

func (p *Postgres) InsertMany(ctx context.Context, collection string, docs []Document) error {
	if !validCollections[collection] {
		return fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, doc := range docs {
		body, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO `+collection+` (doc) VALUES ($1::jsonb)`, body); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *Postgres) DeleteOne(ctx context.Context, collection string, filter Filter) error {
	if !validCollections[collection] {
		return fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	cond, args, err := buildCond(filter, 1)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`DELETE FROM `+collection+` WHERE id = (SELECT id FROM `+collection+` WHERE `+cond+` LIMIT 1)`, args...)
	return err
}

func (p *Postgres) DeleteMany(ctx context.Context, collection string, filter Filter) error {
	if !validCollections[collection] {
		return fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	cond, args, err := buildCond(filter, 1)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `DELETE FROM `+collection+` WHERE `+cond, args...)
	return err
}

// buildCond translates a Filter into a WHERE clause over the doc
// column. Equality fields collapse into one containment check; $or
// expands into a parenthesized disjunction.
func buildCond(filter Filter, argStart int) (string, []any, error) {
	var (
		conds []string
		args  []any
		plain = Document{}
	)

	next := func() string {
		return "$" + strconv.Itoa(argStart+len(args))
	}

	for k, v := range filter {
		if k != "$or" {
			plain[k] = v
			continue
		}
		alts, ok := v.([]Filter)
		if !ok {
			return "", nil, fmt.Errorf("docstore: $or must hold []Filter")
		}
		var parts []string
		for _, alt := range alts {
			body, err := json.Marshal(alt)
			if err != nil {
				return "", nil, err
			}
			parts = append(parts, "doc @> "+next()+"::jsonb")
			args = append(args, body)
		}
		conds = append(conds, "("+strings.Join(parts, " OR ")+")")
	}

	if len(plain) > 0 {
		body, err := json.Marshal(plain)
		if err != nil {
			return "", nil, err
		}
		conds = append(conds, "doc @> "+next()+"::jsonb")
		args = append(args, body)
	}

	if len(conds) == 0 {
		return "TRUE", nil, nil
	}
	return strings.Join(conds, " AND "), args, nil
}

// Compile-time assertion that Postgres implements Store.
var _ Store = (*Postgres)(nil)
