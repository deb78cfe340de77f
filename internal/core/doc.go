// Package core provides the bulk ingestion pipeline for entity records.
//
// The package holds all domain logic independent of the transport and the
// storage engine. It can be used by the HTTP server, the CLI, or tests
// without modification.
//
// # Invocations
//
// Two kinds of invocation run over a single bulk input:
//
//   - ANALYZE ([Analyze], [Service.Analyze]) makes a read-only pass and
//     reports record counts keyed by each record's original DATA_SOURCE and
//     ENTITY_TYPE.
//   - LOAD ([Loader.Run], [Service.Load], [Service.StartLoad]) resolves each
//     record's effective codes through the caller's [MappingTables] and
//     writes complete records through a [RecordWriter].
//
// # Pipeline
//
//  1. [OpenInput] resolves the character encoding, wraps the reader for
//     streaming and classifies the input as CSV, a JSON array or JSON lines
//     from the declared media type and a bounded lookahead.
//  2. [Input.Records] yields [RawRecord] values lazily. Malformed records are
//     reported one at a time and never end the sequence.
//  3. The [Loader] feeds records to a bounded worker pool. Failures count
//     against a shared budget; once it is reached no new record is started
//     and the result is ABORTED.
//  4. Statistics are frozen into a [BulkDataAnalysis] or [BulkLoadResult]
//     whose breakdowns keep first-occurrence order.
//
// # Async Loads
//
// [Service.StartLoad] returns a load ID at once. Progress is broadcast to
// subscribers via [Service.SubscribeProgress] and the outcome is available
// from [Service.GetLoadResult] until the retention period ends. Finished
// loads are saved to the [LoadHistory] and announced through the [Notifier].
//
// # Error Handling
//
// [UnsupportedFormatError] and [EngineUnavailableError] end an invocation;
// [MalformedRecordError] and [WriteError] fail one record. Technical errors
// are mapped to user-facing messages with support codes by [MapError]:
//
//   - ENG001: Engine unavailable
//   - DB001-DB007: Database errors (duplicates, lengths, connections)
//   - FMT001-FMT003: Format errors (charset, binary content, unknown format)
//   - REC001-REC003, WRT001: Record errors
//   - FILE001-FILE005: File errors (size, encoding, empty input)
//   - LOAD001-LOAD005: Load errors (parameters, busy, not found, cancelled)
package core
