package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"marketdata-engine/internal/model"
)

// LoadInstruments returns the stored universe and when it was saved. An
// empty database yields no instruments and a zero time.
func (s *Store) LoadInstruments(ctx context.Context) ([]model.Instrument, time.Time, error) {
	var savedAt, count int64
	err := s.db.QueryRowContext(ctx, `SELECT saved_at, count FROM snapshot_meta WHERE id = 1`).Scan(&savedAt, &count)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("sqlite query snapshot_meta: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT exchange, token, symbol, name, instrument_type, lot_size,
		       COALESCE(expiry, ''), COALESCE(strike, 0), COALESCE(tick_size, 0)
		FROM instruments
		ORDER BY rowid ASC
	`)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("sqlite query instruments: %w", err)
	}
	defer rows.Close()

	out := make([]model.Instrument, 0, count)
	for rows.Next() {
		var in model.Instrument
		if err := rows.Scan(&in.Exchange, &in.Token, &in.Symbol, &in.Name, &in.InstrumentType,
			&in.LotSize, &in.Expiry, &in.Strike, &in.TickSize); err != nil {
			return nil, time.Time{}, fmt.Errorf("sqlite scan instruments: %w", err)
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, time.Time{}, err
	}
	return out, time.UnixMilli(savedAt).UTC(), nil
}
