package main

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/bulkload/internal/core"
)

func newAnalyzeCommand(a *app) *cobra.Command {
	var mediaType string

	cmd := &cobra.Command{
		Use:   "analyze SOURCE",
		Short: "Report statistics for a bulk file without loading it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.Load.Timeout)
			defer cancel()

			src, err := a.open(ctx, args[0], mediaType)
			if err != nil {
				return err
			}
			if c, ok := src.Reader.(io.Closer); ok {
				defer c.Close()
			}

			in, err := core.OpenInput(src.Reader, src.MediaType, src.Size, a.cfg.Load.Lookahead)
			if err != nil {
				return err
			}
			analysis, err := core.Analyze(ctx, in)
			if err != nil {
				return err
			}

			a.logger.Info("analyze finished",
				"source", src.Name,
				"format", analysis.Format,
				"records", analysis.RecordCount,
				"malformed", analysis.MalformedRecordCount,
			)
			return a.printJSON(analysis)
		},
	}

	cmd.Flags().StringVar(&mediaType, "media-type", "", "media type of SOURCE, detected when empty")
	return cmd
}
