package core

import "time"

// result freezes the run into a BulkLoadResult.
func (r *loadRun) result(elapsed time.Duration) *BulkLoadResult {
	total, sources, types := r.stats.freeze()
	return buildLoadResult(r.in.Info, r.status(), total, sources, types, r.errors.list(), elapsed)
}

// buildLoadResult assembles an immutable load result. Missing counts are
// taken from the NoCode rows of the effective breakdowns.
func buildLoadResult(
	info FormatInfo,
	status LoadStatus,
	total LoadCounts,
	sources []SourceLoadStats,
	types []TypeLoadStats,
	topErrors []BulkLoadError,
	elapsed time.Duration,
) *BulkLoadResult {
	res := &BulkLoadResult{
		Status:                status,
		MediaType:             info.MediaType,
		CharacterEncoding:     info.CharacterEncoding,
		Format:                info.Format,
		RecordCount:           total.RecordCount,
		LoadedRecordCount:     total.LoadedRecordCount,
		FailedRecordCount:     total.FailedRecordCount,
		IncompleteRecordCount: total.IncompleteRecordCount,
		ResultsBySource:       sources,
		ResultsByType:         types,
		TopErrors:             topErrors,
		Duration:              elapsed,
		DurationMs:            elapsed.Milliseconds(),
	}
	if res.ResultsBySource == nil {
		res.ResultsBySource = []SourceLoadStats{}
	}
	if res.ResultsByType == nil {
		res.ResultsByType = []TypeLoadStats{}
	}
	if res.TopErrors == nil {
		res.TopErrors = []BulkLoadError{}
	}

	if s, ok := res.Source(NoCode); ok {
		res.MissingDataSourceCount = s.RecordCount
	}
	if t, ok := res.Type(NoCode); ok {
		res.MissingEntityTypeCount = t.RecordCount
	}
	return res
}
