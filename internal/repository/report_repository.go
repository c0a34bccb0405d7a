package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kirychukyurii/loadgen-manager/internal/model"
)

const (
	reportPrefix = "reports/"
	reportSeqKey = "seq/reports"
)

// ReportRepository stores test report records
type ReportRepository interface {
	Get(ctx context.Context, id int64) (*model.Report, error)
	List(ctx context.Context, filter model.ReportFilter) ([]model.Report, error)
	Save(ctx context.Context, report *model.Report) error
	Delete(ctx context.Context, id int64) error
	NextID(ctx context.Context) (int64, error)
}

type reportRepository struct {
	kv KV
}

// NewReportRepository creates a report store in kv
func NewReportRepository(kv KV) ReportRepository {
	return &reportRepository{kv: kv}
}

func reportKey(id int64) string {
	return fmt.Sprintf("%s%020d", reportPrefix, id)
}

func (r *reportRepository) Get(ctx context.Context, id int64) (*model.Report, error) {
	data, err := r.kv.Get(ctx, reportKey(id))
	if err != nil {
		return nil, fmt.Errorf("failed to get report %d: %w", id, err)
	}

	var report model.Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to unmarshal report %d: %w", id, err)
	}
	return &report, nil
}

func (r *reportRepository) List(ctx context.Context, filter model.ReportFilter) ([]model.Report, error) {
	values, err := r.kv.List(ctx, reportPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}

	reports := make([]model.Report, 0, len(values))
	for _, data := range values {
		var report model.Report
		if err := json.Unmarshal(data, &report); err != nil {
			return nil, fmt.Errorf("failed to unmarshal report: %w", err)
		}
		if filter.Match(&report) {
			reports = append(reports, report)
		}
	}
	return reports, nil
}

func (r *reportRepository) Save(ctx context.Context, report *model.Report) error {
	if report.ID <= 0 {
		return fmt.Errorf("report id must be positive, got %d", report.ID)
	}

	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report %d: %w", report.ID, err)
	}
	if err := r.kv.Put(ctx, reportKey(report.ID), data); err != nil {
		return fmt.Errorf("failed to save report %d: %w", report.ID, err)
	}
	return nil
}

func (r *reportRepository) Delete(ctx context.Context, id int64) error {
	if err := r.kv.Delete(ctx, reportKey(id)); err != nil {
		return fmt.Errorf("failed to delete report %d: %w", id, err)
	}
	return nil
}

func (r *reportRepository) NextID(ctx context.Context) (int64, error) {
	id, err := r.kv.Incr(ctx, reportSeqKey)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate report id: %w", err)
	}
	return id, nil
}
