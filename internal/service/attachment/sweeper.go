package attachment

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultUnboundTTL    = 24 * time.Hour
	DefaultSweepInterval = time.Hour
)

// StartSweeper periodically deletes attachments that were uploaded but never
// bound to a message within ttl.
func (s *Service) StartSweeper(ctx context.Context, ttl, interval time.Duration) {
	if ttl <= 0 {
		ttl = DefaultUnboundTTL
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go s.sweepLoop(ctx, ttl, interval)
}

func (s *Service) sweepLoop(ctx context.Context, ttl, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.SweepUnbound(ctx, time.Now().Add(-ttl))
			if err != nil {
				s.logger.Warn("sweep unbound attachments failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Info("swept unbound attachments", zap.Int("count", n))
			}
		}
	}
}

// SweepUnbound removes unbound attachments created before cutoff and returns
// how many were removed. The row delete re-checks message_id so an attachment
// bound after the scan is kept.
func (s *Service) SweepUnbound(ctx context.Context, cutoff time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, storage_key FROM attachments WHERE message_id IS NULL AND created_at <= ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	type fileRow struct {
		id  string
		key string
	}
	var files []fileRow
	for rows.Next() {
		var fr fileRow
		if err := rows.Scan(&fr.id, &fr.key); err != nil {
			rows.Close()
			return 0, err
		}
		files = append(files, fr)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	removed := 0
	for _, f := range files {
		res, err := s.db.ExecContext(ctx, `DELETE FROM attachments WHERE id = ? AND message_id IS NULL`, f.id)
		if err != nil {
			s.logger.Warn("delete attachment record failed", zap.String("id", f.id), zap.Error(err))
			continue
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		if err := s.blobs.Delete(ctx, f.key); err != nil {
			s.logger.Warn("remove attachment blob failed", zap.String("key", f.key), zap.Error(err))
		}
		removed++
	}
	return removed, nil
}
