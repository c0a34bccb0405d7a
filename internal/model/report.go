package model

import (
	"path/filepath"
	"strings"
	"time"
)

// ReportStatus represents the generation status of a test report
type ReportStatus string

const (
	ReportStatusInitial ReportStatus = "initial"
	ReportStatusRunning ReportStatus = "running"
	ReportStatusSuccess ReportStatus = "success"
	ReportStatusError   ReportStatus = "error"
)

// Report represents a debug test run and the result file it produced
type Report struct {
	ID        int64        `json:"id"`
	CaseID    int64        `json:"case_id"`
	Name      string       `json:"name"`      // result file name relative to the case directory, e.g. run_1.jtl
	FileSize  int64        `json:"file_size"` // 0 means the result file is gone and no report can be generated
	Status    ReportStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
}

// ResultPath returns the location of the raw result file under casePath
func (r *Report) ResultPath(casePath string) string {
	return filepath.Join(casePath, r.Name)
}

// ReportPath returns the location of the rendered HTML report under casePath
func (r *Report) ReportPath(casePath string) string {
	p := r.ResultPath(casePath)
	return strings.TrimSuffix(p, filepath.Ext(p)) + ".html"
}

// ReportFilter selects reports in list queries. Zero fields match everything.
type ReportFilter struct {
	CaseID int64
	Name   string
}

// Match reports whether r satisfies the filter
func (f ReportFilter) Match(r *Report) bool {
	if f.CaseID != 0 && r.CaseID != f.CaseID {
		return false
	}
	if f.Name != "" && !strings.Contains(r.Name, f.Name) {
		return false
	}
	return true
}
