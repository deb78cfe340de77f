package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
)

// analysisBuilder accumulates a BulkDataAnalysis. It is owned by a single
// goroutine. Slices are appended on first sight of a code, so their order
// is first-occurrence order.
type analysisBuilder struct {
	a       BulkDataAnalysis
	sources map[Code]int
	types   map[Code]int
}

func newAnalysisBuilder(info FormatInfo) *analysisBuilder {
	return &analysisBuilder{
		a: BulkDataAnalysis{
			Status:            AnalysisInProgress,
			MediaType:         info.MediaType,
			CharacterEncoding: info.CharacterEncoding,
			Format:            info.Format,
			BySource:          []SourceStats{},
			ByType:            []TypeStats{},
		},
		sources: make(map[Code]int),
		types:   make(map[Code]int),
	}
}

func (b *analysisBuilder) add(rec RawRecord, malformed bool) {
	a := &b.a
	a.RecordCount++
	if malformed {
		a.MalformedRecordCount++
	}

	hasID := rec.RecordID.Valid
	hasSource := rec.DataSource.Valid
	hasType := rec.EntityType.Valid
	if hasID {
		a.RecordsWithRecordID++
	}
	if hasSource {
		a.RecordsWithDataSource++
	}
	if hasType {
		a.RecordsWithEntityType++
	}

	i, ok := b.sources[rec.DataSource]
	if !ok {
		i = len(a.BySource)
		b.sources[rec.DataSource] = i
		a.BySource = append(a.BySource, SourceStats{DataSource: rec.DataSource})
	}
	src := &a.BySource[i]
	src.RecordCount++
	if hasID {
		src.RecordsWithRecordID++
	}
	if hasType {
		src.RecordsWithEntityType++
	}

	j, ok := b.types[rec.EntityType]
	if !ok {
		j = len(a.ByType)
		b.types[rec.EntityType] = j
		a.ByType = append(a.ByType, TypeStats{EntityType: rec.EntityType})
	}
	typ := &a.ByType[j]
	typ.RecordCount++
	if hasID {
		typ.RecordsWithRecordID++
	}
	if hasSource {
		typ.RecordsWithDataSource++
	}
}

func (b *analysisBuilder) freeze() *BulkDataAnalysis {
	out := b.a
	out.Status = AnalysisCompleted
	out.BySource = slices.Clone(b.a.BySource)
	out.ByType = slices.Clone(b.a.ByType)
	return &out
}

// Analyze makes one read-only pass over the input and returns statistics
// keyed by the records' original codes. Malformed records are counted with
// whatever classification could be salvaged; they never stop the pass.
func Analyze(ctx context.Context, in *Input) (*BulkDataAnalysis, error) {
	b := newAnalysisBuilder(in.Info)
	records := in.Records()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rec, err := records.Next()
		if err != nil {
			if err == io.EOF {
				break
			}
			var malformed *MalformedRecordError
			if !errors.As(err, &malformed) {
				return nil, fmt.Errorf("analyze: %w", err)
			}
			b.add(rec, true)
			continue
		}
		b.add(rec, false)
	}

	return b.freeze(), nil
}
