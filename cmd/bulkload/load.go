package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/bulkload/internal/core"
)

type loadFlags struct {
	mediaType      string
	dataSource     string
	entityType     string
	mapDataSource  []string
	mapEntityType  []string
	mapDataSources string
	mapEntityTypes string
	maxFailures    int
	concurrency    int
}

func (f *loadFlags) params(cmd *cobra.Command) (core.LoadParams, error) {
	ds, err := mapping(f.dataSource, f.mapDataSources, f.mapDataSource)
	if err != nil {
		return core.LoadParams{}, fmt.Errorf("invalid parameter --map-data-source: %w", err)
	}
	et, err := mapping(f.entityType, f.mapEntityTypes, f.mapEntityType)
	if err != nil {
		return core.LoadParams{}, fmt.Errorf("invalid parameter --map-entity-type: %w", err)
	}

	params := core.LoadParams{
		Mapping:     core.MappingTables{DataSource: ds, EntityType: et},
		Concurrency: f.concurrency,
	}
	if cmd.Flags().Changed("max-failures") {
		n := f.maxFailures
		params.MaxFailures = &n
	}
	return params, nil
}

func mapping(def, jsonTable string, pairs []string) (core.Mapping, error) {
	fromJSON, err := core.ParseOverridesJSON(jsonTable)
	if err != nil {
		return core.Mapping{}, err
	}
	fromPairs, err := core.ParseOverrides(pairs)
	if err != nil {
		return core.Mapping{}, err
	}
	return core.Mapping{
		Default:   core.CodeOf(def),
		Overrides: core.MergeOverrides(fromJSON, fromPairs),
	}, nil
}

func newLoadCommand(a *app) *cobra.Command {
	var f loadFlags

	cmd := &cobra.Command{
		Use:   "load SOURCE",
		Short: "Load a bulk file into the record repository",
		Long: `
Loads every complete record of SOURCE. Records that still lack a data
source or entity type after mapping are counted as incomplete and skipped.

The load stops early once --max-failures records have been rejected and
exits with status 2.
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := f.params(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			store, closeStore, err := a.openStore(ctx, a.cfg.Database)
			if err != nil {
				return err
			}
			defer closeStore()

			var notifier core.Notifier
			if a.cfg.Events.Enabled() {
				n, closeNotifier, err := a.openNotifier(a.cfg.Events, a.logger)
				if err != nil {
					return err
				}
				defer closeNotifier()
				notifier = n
			}

			src, err := a.open(ctx, args[0], f.mediaType)
			if err != nil {
				return err
			}

			svc := core.NewService(store, store, notifier, a.cfg.Load.ServiceConfig(), a.logger)
			res, err := svc.Load(ctx, src, params)
			closeReader(src)
			if err != nil {
				return err
			}

			if err := a.printJSON(res); err != nil {
				return err
			}
			if res.Status == core.LoadAborted {
				return errAborted
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.mediaType, "media-type", "", "media type of SOURCE, detected when empty")
	flags.StringVar(&f.dataSource, "data-source", "", "data source for records without one")
	flags.StringVar(&f.entityType, "entity-type", "", "entity type for records without one")
	flags.StringArrayVar(&f.mapDataSource, "map-data-source", nil, "FROM:TO data source override, repeatable")
	flags.StringArrayVar(&f.mapEntityType, "map-entity-type", nil, "FROM:TO entity type override, repeatable")
	flags.StringVar(&f.mapDataSources, "map-data-sources", "", `data source overrides as a JSON object, e.g. {"OLD":"NEW"}`)
	flags.StringVar(&f.mapEntityTypes, "map-entity-types", "", "entity type overrides as a JSON object")
	flags.IntVar(&f.maxFailures, "max-failures", -1, "stop after this many rejected records, negative for no limit")
	flags.IntVar(&f.concurrency, "concurrency", 0, "concurrent writers (default LOAD_CONCURRENCY)")
	return cmd
}

func closeReader(src core.Source) {
	if c, ok := src.Reader.(io.Closer); ok {
		_ = c.Close()
	}
}
