package query

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"LubaLedger/internal/core"
	"LubaLedger/internal/observability"
	"LubaLedger/internal/projection"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// QueryService provides read-only access to projection tables and the
// event log. Responses carry as_of_sequence for freshness.
type QueryService struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func NewQueryService(db *sql.DB, metrics *observability.Metrics) *QueryService {
	return &QueryService{db: db, metrics: metrics}
}

// ListAuctions returns a page of auctions ordered by id.
func (qs *QueryService) ListAuctions(ctx context.Context, f ListFilter) (page *AuctionPage, err error) {
	defer qs.observe("list_auctions", time.Now(), &err)

	asOfSeq, err := projection.LoadWatermark(ctx, qs.db, projection.AuctionsProjection)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT auction_id, creator, end_time, bidding_unit, bids_count,
		       closed, withdrawn, created_at, last_sequence
		FROM projections.auctions
	`
	var where []string
	var args []any
	argIdx := 1

	if f.Creator != "" {
		where = append(where, fmt.Sprintf("creator = $%d", argIdx))
		args = append(args, f.Creator)
		argIdx++
	}
	if f.ActiveOnly {
		where = append(where, "end_time > NOW()")
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	query += " ORDER BY auction_id ASC"
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	page = &AuctionPage{Auctions: []AuctionSummary{}, AsOfSequence: asOfSeq}
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, err
		}
		page.Auctions = append(page.Auctions, a)
	}
	return page, rows.Err()
}

// GetAuction returns one auction from the projection.
func (qs *QueryService) GetAuction(ctx context.Context, auctionID uint64) (a *AuctionSummary, err error) {
	defer qs.observe("get_auction", time.Now(), &err)

	row := qs.db.QueryRowContext(ctx, `
		SELECT auction_id, creator, end_time, bidding_unit, bids_count,
		       closed, withdrawn, created_at, last_sequence
		FROM projections.auctions
		WHERE auction_id = $1
	`, int64(auctionID))

	summary, err := scanAuction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: auction %d", ErrNotFound, auctionID)
	}
	if err != nil {
		return nil, err
	}
	return &summary, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAuction(s scanner) (AuctionSummary, error) {
	var a AuctionSummary
	var id, bids int64
	if err := s.Scan(
		&id, &a.Creator, &a.EndTime, &a.BiddingUnit, &bids,
		&a.Closed, &a.Withdrawn, &a.CreatedAt, &a.LastSequence,
	); err != nil {
		return AuctionSummary{}, err
	}
	a.AuctionID = uint64(id)
	a.BidsCount = uint64(bids)
	return a, nil
}

// --- Admin APIs ---

// VerifyIntegrity checks the stored hash chain links back to genesis with
// no sequence gaps, and reports how far the auctions projection trails the
// log. State digests are not stored, so hashes are checked for linkage only;
// full recomputation is what recovery replay does.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (report *IntegrityReport, err error) {
	defer qs.observe("verify_integrity", time.Now(), &err)

	report = &IntegrityReport{}

	if err := qs.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(MAX(sequence), 0) FROM event_log.events
	`).Scan(&report.EventCount, &report.LatestSequence); err != nil {
		return nil, err
	}
	report.SequenceGaps = report.EventCount != report.LatestSequence

	genesis := core.GenesisHash()
	report.GenesisOK = true
	if report.EventCount > 0 {
		var prev []byte
		err := qs.db.QueryRowContext(ctx, `
			SELECT prev_hash FROM event_log.events WHERE sequence = 1
		`).Scan(&prev)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			report.GenesisOK = false
		case err != nil:
			return nil, err
		default:
			report.GenesisOK = bytes.Equal(prev, genesis[:])
		}
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	watermark, err := projection.LoadWatermark(ctx, qs.db, projection.AuctionsProjection)
	if err != nil {
		return nil, err
	}
	report.ProjectionLag = report.LatestSequence - watermark

	report.IsHealthy = report.GenesisOK && !report.SequenceGaps && len(report.HashChainBreaks) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) observe(endpoint string, start time.Time, errp *error) {
	if qs.metrics == nil {
		return
	}
	status := "ok"
	if *errp != nil {
		status = "error"
		kind := "internal"
		if errors.Is(*errp, ErrNotFound) {
			kind = "not_found"
		}
		qs.metrics.QueryErrors.WithLabelValues(endpoint, kind).Inc()
	}
	qs.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}
