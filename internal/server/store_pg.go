package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) CreateScan(meta ScanMeta) error {
	req, _ := json.Marshal(meta.Request)
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO scans (scan_id,status,creator_type,creator_sub,source,request,created_at,estimated_cost)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		meta.ScanID, meta.Status, meta.CreatorType, nullStr(meta.CreatorSub),
		meta.Source, req, meta.CreatedAt, meta.EstimatedCost)
	return err
}

func (s *PgStore) UpdateScan(scanID string, mutate func(*ScanMeta)) (ScanMeta, error) {
	tx, err := s.pool.Begin(context.Background())
	if err != nil {
		return ScanMeta{}, err
	}
	defer tx.Rollback(context.Background())

	row := tx.QueryRow(context.Background(),
		`SELECT scan_id,status,creator_type,creator_sub,source,request,
		        started_at,finished_at,created_at,error,report,estimated_cost
		 FROM scans WHERE scan_id=$1 FOR UPDATE`, scanID)
	meta, err := scanScanMeta(row)
	if err != nil {
		return ScanMeta{}, fmt.Errorf("scan not found: %s", scanID)
	}
	if mutate != nil {
		mutate(&meta)
	}
	req, _ := json.Marshal(meta.Request)
	var reportJSON []byte
	if meta.Report != nil {
		reportJSON, _ = json.Marshal(meta.Report)
	}
	_, err = tx.Exec(context.Background(),
		`UPDATE scans SET status=$1,started_at=$2,finished_at=$3,error=$4,report=$5,
		 estimated_cost=$6,request=$7 WHERE scan_id=$8`,
		meta.Status, nullStr(meta.StartedAt), nullStr(meta.FinishedAt), meta.Error,
		reportJSON, meta.EstimatedCost, req, scanID)
	if err != nil {
		return ScanMeta{}, err
	}
	return meta, tx.Commit(context.Background())
}

func (s *PgStore) GetScan(scanID string) (ScanMeta, bool) {
	row := s.pool.QueryRow(context.Background(),
		`SELECT scan_id,status,creator_type,creator_sub,source,request,
		        started_at,finished_at,created_at,error,report,estimated_cost
		 FROM scans WHERE scan_id=$1`, scanID)
	meta, err := scanScanMeta(row)
	if err != nil {
		return ScanMeta{}, false
	}
	return meta, true
}

func (s *PgStore) ListScans(limit int) []ScanMeta {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(context.Background(),
		`SELECT scan_id,status,creator_type,creator_sub,source,request,
		        started_at,finished_at,created_at,error,report,estimated_cost
		 FROM scans ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var out []ScanMeta
	for rows.Next() {
		meta, err := scanScanMeta(rows)
		if err != nil {
			continue
		}
		out = append(out, meta)
	}
	if out == nil {
		return []ScanMeta{}
	}
	return out
}

func (s *PgStore) ListScansByCreator(creatorSub string, limit int) []ScanMeta {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(context.Background(),
		`SELECT scan_id,status,creator_type,creator_sub,source,request,
		        started_at,finished_at,created_at,error,report,estimated_cost
		 FROM scans WHERE creator_sub=$1 ORDER BY created_at DESC LIMIT $2`, creatorSub, limit)
	if err != nil {
		return []ScanMeta{}
	}
	defer rows.Close()
	var out []ScanMeta
	for rows.Next() {
		meta, err := scanScanMeta(rows)
		if err != nil {
			continue
		}
		out = append(out, meta)
	}
	if out == nil {
		return []ScanMeta{}
	}
	return out
}

func (s *PgStore) AppendScanEvent(scanID string, stage, message string, data map[string]any) (ScanEvent, error) {
	var dataJSON []byte
	if data != nil {
		dataJSON, _ = json.Marshal(data)
	}
	var seq int64
	var ts time.Time
	err := s.pool.QueryRow(context.Background(),
		`INSERT INTO scan_events (scan_id, seq, stage, message, data)
		 VALUES ($1, COALESCE((SELECT MAX(seq) FROM scan_events WHERE scan_id=$1),0)+1, $2, $3, $4)
		 RETURNING seq, timestamp`, scanID, stage, message, dataJSON).Scan(&seq, &ts)
	if err != nil {
		return ScanEvent{}, err
	}
	return ScanEvent{
		Seq:       seq,
		Timestamp: ts.UTC().Format(time.RFC3339),
		Stage:     stage,
		Message:   message,
		Data:      data,
	}, nil
}

func (s *PgStore) ListScanEvents(scanID string, sinceSeq int64) []ScanEvent {
	rows, err := s.pool.Query(context.Background(),
		`SELECT seq, timestamp, stage, message, data
		 FROM scan_events WHERE scan_id=$1 AND seq>$2 ORDER BY seq`, scanID, sinceSeq)
	if err != nil {
		return []ScanEvent{}
	}
	defer rows.Close()
	var out []ScanEvent
	for rows.Next() {
		var e ScanEvent
		var ts time.Time
		var dataJSON []byte
		if err := rows.Scan(&e.Seq, &ts, &e.Stage, &e.Message, &dataJSON); err != nil {
			continue
		}
		e.Timestamp = ts.UTC().Format(time.RFC3339)
		if len(dataJSON) > 0 {
			_ = json.Unmarshal(dataJSON, &e.Data)
		}
		out = append(out, e)
	}
	if out == nil {
		return []ScanEvent{}
	}
	return out
}

func (s *PgStore) AppendAudit(event AuditEvent) error {
	if strings.TrimSpace(event.Timestamp) == "" {
		event.Timestamp = nowRFC3339()
	}
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO audit_events (timestamp,scan_id,actor_type,actor_sub,action,result,ip_hash,ua_hash,detail)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		event.Timestamp, nullStr(event.ScanID), event.ActorType, nullStr(event.ActorSub),
		event.Action, event.Result, nullStr(event.IPHash), nullStr(event.UAHash), nullStr(event.Detail))
	return err
}

func (s *PgStore) ListAudit(limit int) []AuditEvent {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.pool.Query(context.Background(),
		`SELECT timestamp,scan_id,actor_type,actor_sub,action,result,ip_hash,ua_hash,detail
		 FROM audit_events ORDER BY timestamp DESC LIMIT $1`, limit)
	if err != nil {
		return []AuditEvent{}
	}
	defer rows.Close()
	var out []AuditEvent
	for rows.Next() {
		var a AuditEvent
		var ts time.Time
		var scanID, actorSub, ipHash, uaHash, detail *string
		if err := rows.Scan(&ts, &scanID, &a.ActorType, &actorSub, &a.Action, &a.Result, &ipHash, &uaHash, &detail); err != nil {
			continue
		}
		a.Timestamp = ts.UTC().Format(time.RFC3339)
		a.ScanID = deref(scanID)
		a.ActorSub = deref(actorSub)
		a.IPHash = deref(ipHash)
		a.UAHash = deref(uaHash)
		a.Detail = deref(detail)
		out = append(out, a)
	}
	if out == nil {
		return []AuditEvent{}
	}
	return out
}

func (s *PgStore) GetMetricsOverview() MetricsOverview {
	overview := MetricsOverview{GeneratedAt: nowRFC3339()}
	_ = s.pool.QueryRow(context.Background(),
		`SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status IN ('running','queued')),
			COUNT(*) FILTER (WHERE status='completed'),
			COUNT(*) FILTER (WHERE status='stopped'),
			COUNT(*) FILTER (WHERE status='fail'),
			COALESCE(SUM(estimated_cost),0)
		 FROM scans`).Scan(
		&overview.TotalScans, &overview.RunningScans, &overview.CompletedScans,
		&overview.StoppedScans, &overview.FailedScans, &overview.EstimatedCostUSD)

	rows, _ := s.pool.Query(context.Background(),
		`SELECT report FROM scans WHERE report IS NOT NULL`)
	if rows != nil {
		defer rows.Close()
		var rateTotal float64
		rateCount := 0
		for rows.Next() {
			var reportJSON []byte
			if rows.Scan(&reportJSON) != nil {
				continue
			}
			var report ScanReport
			if json.Unmarshal(reportJSON, &report) != nil {
				continue
			}
			overview.TotalPrompts += report.TotalPrompts
			overview.TotalTokens += report.TotalTokens
			overview.TotalRefusals += report.Refusals
			for _, module := range report.Modules {
				rateTotal += module.FailureRate
				rateCount++
			}
		}
		if rateCount > 0 {
			overview.AverageFailRate = rateTotal / float64(rateCount)
		}
	}
	return overview
}

// --- helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanScanMeta(row scannable) (ScanMeta, error) {
	var m ScanMeta
	var reqJSON, reportJSON []byte
	var startedAt, finishedAt, creatorSub, source, errStr *string
	err := row.Scan(&m.ScanID, &m.Status, &m.CreatorType, &creatorSub,
		&source, &reqJSON, &startedAt, &finishedAt, &m.CreatedAt,
		&errStr, &reportJSON, &m.EstimatedCost)
	if err != nil {
		return ScanMeta{}, err
	}
	m.CreatorSub = deref(creatorSub)
	m.Source = deref(source)
	m.StartedAt = deref(startedAt)
	m.FinishedAt = deref(finishedAt)
	m.Error = deref(errStr)
	_ = json.Unmarshal(reqJSON, &m.Request)
	if len(reportJSON) > 0 {
		var r ScanReport
		if json.Unmarshal(reportJSON, &r) == nil {
			m.Report = &r
		}
	}
	return m, nil
}

func nullStr(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// Ensure PgStore implements Store at compile time.
var _ Store = (*PgStore)(nil)
