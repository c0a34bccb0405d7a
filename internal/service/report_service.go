package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/kirychukyurii/loadgen-manager/internal/model"
	"github.com/kirychukyurii/loadgen-manager/internal/repository"
)

// ErrReportFileMissing is returned when a report has not been generated or was removed
var ErrReportFileMissing = errors.New("report file does not exist")

// ReportService defines the interface for test report operations
type ReportService interface {
	Get(ctx context.Context, id int64) (*model.Report, error)
	List(ctx context.Context, filter model.ReportFilter) ([]model.Report, error)
	Total(ctx context.Context, filter model.ReportFilter) (int, error)
	Save(ctx context.Context, report *model.Report) (*model.Report, error)
	Update(ctx context.Context, report *model.Report) (*model.Report, error)

	// DeleteBatch removes the records with their result and report files.
	// It returns the ids actually deleted; unknown ids are skipped.
	DeleteBatch(ctx context.Context, ids []int64) ([]int64, error)

	// DeleteResultFiles removes raw result files and zeroes FileSize so no report can be generated
	DeleteResultFiles(ctx context.Context, ids []int64) error

	// ReportFile returns the path of the rendered report
	ReportFile(ctx context.Context, id int64) (string, error)
}

// reportService implements ReportService interface
type reportService struct {
	repo     repository.ReportRepository
	fs       afero.Fs
	casePath string
	logger   *slog.Logger
	now      func() time.Time
}

// NewReportService creates a report service keeping files below casePath on fs
func NewReportService(repo repository.ReportRepository, fs afero.Fs, casePath string, logger *slog.Logger) ReportService {
	return &reportService{
		repo:     repo,
		fs:       fs,
		casePath: casePath,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *reportService) Get(ctx context.Context, id int64) (*model.Report, error) {
	return s.repo.Get(ctx, id)
}

func (s *reportService) List(ctx context.Context, filter model.ReportFilter) ([]model.Report, error) {
	return s.repo.List(ctx, filter)
}

func (s *reportService) Total(ctx context.Context, filter model.ReportFilter) (int, error) {
	reports, err := s.repo.List(ctx, filter)
	if err != nil {
		return 0, err
	}
	return len(reports), nil
}

func validateReportName(name string) error {
	if name == "" {
		return fmt.Errorf("invalid report: name is required")
	}
	if !filepath.IsLocal(name) {
		return fmt.Errorf("invalid report: name %q must be a path inside the case directory", name)
	}
	return nil
}

func (s *reportService) Save(ctx context.Context, report *model.Report) (*model.Report, error) {
	r := *report
	if err := validateReportName(r.Name); err != nil {
		return nil, err
	}

	id, err := s.repo.NextID(ctx)
	if err != nil {
		return nil, err
	}
	r.ID = id
	if r.Status == "" {
		r.Status = model.ReportStatusInitial
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}
	if r.FileSize == 0 {
		if info, err := s.fs.Stat(r.ResultPath(s.casePath)); err == nil {
			r.FileSize = info.Size()
		}
	}

	if err := s.repo.Save(ctx, &r); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "report saved",
		slog.Int64("report_id", r.ID),
		slog.Int64("case_id", r.CaseID),
		slog.String("name", r.Name),
	)
	return &r, nil
}

func (s *reportService) Update(ctx context.Context, report *model.Report) (*model.Report, error) {
	existing, err := s.repo.Get(ctx, report.ID)
	if err != nil {
		return nil, err
	}

	r := *report
	if err := validateReportName(r.Name); err != nil {
		return nil, err
	}
	r.CreatedAt = existing.CreatedAt
	if r.Status == "" {
		r.Status = existing.Status
	}

	if err := s.repo.Save(ctx, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// removeFile deletes path, treating an absent file as removed
func (s *reportService) removeFile(path string) error {
	if err := s.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

func (s *reportService) DeleteBatch(ctx context.Context, ids []int64) ([]int64, error) {
	deleted := make([]int64, 0, len(ids))
	var errs []error

	for _, id := range uniqueIDs(ids) {
		report, err := s.repo.Get(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}

		if err := s.removeFile(report.ReportPath(s.casePath)); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.removeFile(report.ResultPath(s.casePath)); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.repo.Delete(ctx, id); err != nil && !errors.Is(err, repository.ErrNotFound) {
			errs = append(errs, err)
			continue
		}
		deleted = append(deleted, id)
	}

	if len(deleted) > 0 {
		s.logger.InfoContext(ctx, "reports deleted", slog.Any("report_ids", deleted))
	}
	return deleted, errors.Join(errs...)
}

func (s *reportService) DeleteResultFiles(ctx context.Context, ids []int64) error {
	var errs []error
	for _, id := range uniqueIDs(ids) {
		report, err := s.repo.Get(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}

		if err := s.removeFile(report.ResultPath(s.casePath)); err != nil {
			errs = append(errs, err)
			continue
		}
		report.FileSize = 0
		if err := s.repo.Save(ctx, report); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *reportService) ReportFile(ctx context.Context, id int64) (string, error) {
	report, err := s.repo.Get(ctx, id)
	if err != nil {
		return "", err
	}

	path := report.ReportPath(s.casePath)
	if _, err := s.fs.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("report %d: %s: %w", id, path, ErrReportFileMissing)
		}
		return "", fmt.Errorf("failed to stat report %d: %w", id, err)
	}
	return path, nil
}
