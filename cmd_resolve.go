package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dbresolve/internal/models"
	"dbresolve/internal/service/resolver"
)

func newResolveCmd(opts *rootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve one message read from a file or stdin and print the answer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return fmt.Errorf("open message: %w", err)
				}
				defer f.Close()
				in = f
			}
			return runResolve(cmd.Context(), opts, in, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "message JSON file (default stdin)")
	return cmd
}

func runResolve(ctx context.Context, opts *rootOptions, in io.Reader, out io.Writer) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg, opts.logger, false)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	var answer models.Answer
	var msg models.Message
	if err := json.NewDecoder(in).Decode(&msg); err != nil {
		opts.logger.Debug("decode message", zap.Error(err))
		answer = models.DefaultFailure("no message given")
	} else {
		ctx = resolver.ContextWithRequestID(ctx, uuid.NewString())
		answer = a.resolver.Resolve(ctx, &msg)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(answer)
}
