package plattform

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"tilecast/api-coordinator/internal/scheduler"
)

const ReportsCollection = "job_reports"

// JobReport es el documento que se guarda al terminar un job.
type JobReport struct {
	ID             bson.ObjectID  `bson:"_id,omitempty" json:"-"`
	JobID          string         `bson:"job_id" json:"job_id"`
	Status         string         `bson:"status" json:"status"`
	Error          string         `bson:"error,omitempty" json:"error,omitempty"`
	Height         int            `bson:"height" json:"height"`
	Width          int            `bson:"width" json:"width"`
	Channels       int            `bson:"channels" json:"channels"`
	Rows           int            `bson:"rows" json:"rows"`
	Cols           int            `bson:"cols" json:"cols"`
	Direction      string         `bson:"direction" json:"direction"`
	TotalBlocks    int            `bson:"total_blocks" json:"total_blocks"`
	Completed      int            `bson:"completed" json:"completed"`
	Failed         int            `bson:"failed" json:"failed"`
	Workers        []WorkerReport `bson:"workers" json:"workers"`
	StartedAt      time.Time      `bson:"started_at" json:"started_at"`
	FinishedAt     time.Time      `bson:"finished_at" json:"finished_at"`
	DurationMillis int64          `bson:"duration_ms" json:"duration_ms"`
}

type WorkerReport struct {
	ID        string  `bson:"id" json:"id"`
	Addr      string  `bson:"addr" json:"addr"`
	Completed int64   `bson:"completed" json:"completed"`
	Penalties int64   `bson:"penalties" json:"penalties"`
	Capacity  float64 `bson:"capacity" json:"capacity"`
	Degraded  bool    `bson:"degraded" json:"degraded"`
}

// NewJobReport arma el reporte a partir del resumen del job y del progreso final.
func NewJobReport(sum scheduler.JobSummary, p scheduler.Progress) JobReport {
	rep := JobReport{
		JobID:       sum.ID,
		Status:      string(sum.Status),
		Height:      sum.Height,
		Width:       sum.Width,
		Channels:    sum.Channels,
		Rows:        sum.Rows,
		Cols:        sum.Cols,
		Direction:   sum.Direction.String(),
		TotalBlocks: sum.TotalBlocks,
		Completed:   sum.Completed,
		Failed:      sum.Failed,
		StartedAt:   sum.StartedAt,
		FinishedAt:  sum.FinishedAt,
		Workers:     make([]WorkerReport, 0, len(p.Workers)),
	}
	if sum.Err != nil {
		rep.Error = sum.Err.Error()
	}
	if !sum.FinishedAt.IsZero() {
		rep.DurationMillis = sum.FinishedAt.Sub(sum.StartedAt).Milliseconds()
	}
	for _, w := range p.Workers {
		rep.Workers = append(rep.Workers, WorkerReport{
			ID:        w.ID,
			Addr:      w.Addr,
			Completed: w.Completed,
			Penalties: w.Penalties,
			Capacity:  w.Capacity,
			Degraded:  w.Degraded,
		})
	}
	return rep
}

// ReportStore persiste y lista reportes de jobs.
type ReportStore interface {
	Save(ctx context.Context, rep JobReport) error
	List(ctx context.Context, limit int64) ([]JobReport, error)
}

type mongoReportStore struct {
	coll *mongo.Collection
}

func NewMongoReportStore(svc *MongoService, dbName string) ReportStore {
	return &mongoReportStore{coll: svc.GetCollection(dbName, ReportsCollection)}
}

func (r *mongoReportStore) Save(ctx context.Context, rep JobReport) error {
	if _, err := r.coll.InsertOne(ctx, rep); err != nil {
		return fmt.Errorf("database: insert report %s: %w", rep.JobID, err)
	}
	return nil
}

func (r *mongoReportStore) List(ctx context.Context, limit int64) ([]JobReport, error) {
	opts := options.Find().SetSort(bson.D{{Key: "finished_at", Value: -1}}).SetLimit(limit)
	cur, err := r.coll.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, fmt.Errorf("database: find reports: %w", err)
	}
	var out []JobReport
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("database: decode reports: %w", err)
	}
	return out, nil
}

// MemoryReportStore guarda en memoria; se usa cuando no hay Mongo configurado.
type MemoryReportStore struct {
	mu      sync.Mutex
	reports []JobReport
}

func NewMemoryReportStore() *MemoryReportStore { return &MemoryReportStore{} }

func (m *MemoryReportStore) Save(_ context.Context, rep JobReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, rep)
	return nil
}

func (m *MemoryReportStore) List(_ context.Context, limit int64) ([]JobReport, error) {
	m.mu.Lock()
	out := append([]JobReport(nil), m.reports...)
	m.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].FinishedAt.After(out[j].FinishedAt) })
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}
