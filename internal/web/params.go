package web

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/JonMunkholm/bulkload/internal/core"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// loadRequest holds the query parameters of a load request.
type loadRequest struct {
	params core.LoadParams
	async  bool
}

// parseLoadRequest reads the mapping, failure budget, concurrency and async
// flag from q. JSON override tables are applied before the repeated
// FROM:TO parameters, so the latter win on conflict. Errors map to 400.
func parseLoadRequest(q url.Values) (loadRequest, error) {
	var req loadRequest

	dataSource, err := parseMapping(q, "dataSource", "mapDataSources", "mapDataSource")
	if err != nil {
		return req, err
	}
	entityType, err := parseMapping(q, "entityType", "mapEntityTypes", "mapEntityType")
	if err != nil {
		return req, err
	}
	req.params.Mapping = core.MappingTables{DataSource: dataSource, EntityType: entityType}

	if v := q.Get("maxFailures"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return req, badRequest(fmt.Errorf("invalid parameter maxFailures=%q: %w", v, err))
		}
		req.params.MaxFailures = &n
	}

	if v := q.Get("concurrency"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return req, badRequest(fmt.Errorf("invalid parameter concurrency=%q: must be a positive integer", v))
		}
		req.params.Concurrency = n
	}

	if v := q.Get("async"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return req, badRequest(fmt.Errorf("invalid parameter async=%q: %w", v, err))
		}
		req.async = b
	}

	return req, nil
}

func parseMapping(q url.Values, defaultKey, jsonKey, pairKey string) (core.Mapping, error) {
	m := core.Mapping{Default: core.CodeOf(q.Get(defaultKey))}

	fromJSON, err := core.ParseOverridesJSON(q.Get(jsonKey))
	if err != nil {
		return m, badRequest(fmt.Errorf("invalid parameter %s: %w", jsonKey, err))
	}
	pairs, err := core.ParseOverrides(q[pairKey])
	if err != nil {
		return m, badRequest(fmt.Errorf("invalid parameter %s: %w", pairKey, err))
	}
	m.Overrides = core.MergeOverrides(fromJSON, pairs)
	return m, nil
}

// parseLimit reads the list limit, clamped to [1, maxListLimit].
func parseLimit(q url.Values) int {
	n, err := strconv.Atoi(q.Get("limit"))
	if err != nil || n < 1 {
		return defaultListLimit
	}
	return min(n, maxListLimit)
}
