package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/telemyapp/aegis-sessions/internal/model"
)

type RTTSample struct {
	Region string
	Value  float64
}

type RecordStatsInput struct {
	Entry model.StatsLogEntry
	// Sample is appended to the user's rolling window for Sample.Region when
	// set. WindowSize defaults to model.MaxRTTSamples.
	Sample     *RTTSample
	WindowSize int
}

// RecordStats writes the stats log entry and, when a sample is present,
// updates the user's region history in the same transaction.
func (s *Store) RecordStats(ctx context.Context, in RecordStatsInput) error {
	raw, err := json.Marshal(in.Entry.RawStats)
	if err != nil {
		return fmt.Errorf("encode stats: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if in.Sample != nil {
		if err := appendRTT(ctx, tx, in.Entry.UserID, *in.Sample, in.WindowSize); err != nil {
			return err
		}
	}

	const insertLog = `
insert into stats.webrtc_stats_logs (app_release_uuid, region, session_id, stats, user_id, created_at)
values ($1, $2, $3, $4, $5, now())`
	if _, err := tx.Exec(ctx, insertLog,
		in.Entry.AppReleaseUUID, in.Entry.Region, in.Entry.SessionID, json.RawMessage(raw), in.Entry.UserID,
	); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func appendRTT(ctx context.Context, tx pgx.Tx, userID int64, sample RTTSample, window int) error {
	// Seed the row first so the select below can lock it even for a user's
	// very first sample.
	const seed = `
insert into stats.users_dcs (user_id, dcs)
values ($1, '{}'::jsonb)
on conflict (user_id) do nothing`
	if _, err := tx.Exec(ctx, seed, userID); err != nil {
		return err
	}

	var raw []byte
	const lock = `select dcs from stats.users_dcs where user_id = $1 for update`
	if err := tx.QueryRow(ctx, lock, userID).Scan(&raw); err != nil {
		return err
	}
	hist := model.NewUserDcHistory(userID)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &hist.DCs); err != nil {
			return fmt.Errorf("decode users_dcs: %w", err)
		}
	}
	hist.Append(sample.Region, sample.Value, window)

	b, err := json.Marshal(hist.DCs)
	if err != nil {
		return err
	}
	const upd = `update stats.users_dcs set dcs = $2 where user_id = $1`
	_, err = tx.Exec(ctx, upd, userID, json.RawMessage(b))
	return err
}

func (s *Store) GetUserDcHistory(ctx context.Context, userID int64) (*model.UserDcHistory, error) {
	var raw []byte
	err := s.db.QueryRow(ctx, `select dcs from stats.users_dcs where user_id = $1`, userID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	hist := model.NewUserDcHistory(userID)
	if err := json.Unmarshal(raw, &hist.DCs); err != nil {
		return nil, fmt.Errorf("decode users_dcs: %w", err)
	}
	return hist, nil
}
