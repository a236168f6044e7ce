package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/docs2md/internal/app"
	"github.com/JakeFAU/docs2md/internal/config"
	"github.com/JakeFAU/docs2md/internal/crawler"
	"github.com/JakeFAU/docs2md/internal/jobs"
)

type convertOptions struct {
	output      string
	pathPrefix  string
	include     string
	exclude     string
	format      string
	frontmatter bool
	embedImages bool
	maxPages    int
}

func newConvertCmd() *cobra.Command {
	opts := &convertOptions{}
	cmd := &cobra.Command{
		Use:   "convert <url>",
		Short: "Convert one documentation site and write the artifact to disk",
		Long: `Runs a single conversion in-process, without the HTTP API or a shared
queue, and writes the resulting Markdown file or zip archive to the output
directory (or the exact path given with --output).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConvert(cmd, args[0], opts)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.output, "output", "o", ".", "output directory or file path")
	f.StringVar(&opts.pathPrefix, "path-prefix", "", "only crawl URLs under this path")
	f.StringVar(&opts.include, "include", "", "regular expression URLs must match")
	f.StringVar(&opts.exclude, "exclude", "", "regular expression that excludes URLs")
	f.StringVar(&opts.format, "format", string(crawler.FormatSingle), "artifact format: single or archive")
	f.BoolVar(&opts.frontmatter, "frontmatter", false, "prepend YAML frontmatter to every page")
	f.BoolVar(&opts.embedImages, "embed-images", false, "inline images as data URIs")
	f.IntVar(&opts.maxPages, "max-pages", 0, "page ceiling (0 uses the configured default)")
	return cmd
}

// oneShot keeps a single conversion inside the process: nothing is shared
// with a running service.
func oneShot(cfg config.Config) config.Config {
	cfg.Queue = config.QueueConfig{Backend: config.BackendMemory, Depth: 1}
	cfg.Registry = config.RegistryConfig{Backend: config.BackendMemory}
	cfg.Storage.Backend = config.BackendMemory
	cfg.Notify.Backend = config.BackendNone
	return cfg
}

func runConvert(cmd *cobra.Command, seed string, opts *convertOptions) error {
	cfg, logger, err := resolve(cmd.Context())
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	appInstance, err := newApp(ctx, oneShot(cfg), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer func() {
		if cerr := appInstance.Close(context.WithoutCancel(ctx)); cerr != nil {
			logger.Warn("close application services", zap.Error(cerr))
		}
	}()

	job, err := convertOne(ctx, appInstance, jobs.Request{
		URL:         seed,
		PathPrefix:  opts.pathPrefix,
		Include:     opts.include,
		Exclude:     opts.exclude,
		Format:      crawler.OutputFormat(opts.format),
		Frontmatter: opts.frontmatter,
		EmbedImages: opts.embedImages,
		MaxPages:    opts.maxPages,
	})
	if err != nil {
		return err
	}

	dest := opts.output
	if info, statErr := os.Stat(dest); statErr == nil && info.IsDir() {
		dest = filepath.Join(dest, job.Artifact.Filename)
	}
	if err := writeArtifact(ctx, appInstance, *job.Artifact, dest); err != nil {
		return err
	}
	logger.Info("conversion complete",
		zap.String("job_id", job.ID),
		zap.String("path", dest),
		zap.Int("pages", job.Counters.Succeeded),
		zap.Int("skipped", job.Counters.Skipped),
		zap.Bool("partial", job.Partial),
	)
	fmt.Fprintln(cmd.OutOrStdout(), dest)
	return nil
}

// convertOne submits req and runs it to a terminal state on the caller's
// goroutine.
func convertOne(ctx context.Context, a *app.App, req jobs.Request) (crawler.Job, error) {
	job, err := a.Jobs().Submit(ctx, req)
	if err != nil {
		return crawler.Job{}, fmt.Errorf("submit: %w", err)
	}
	item, err := a.NextItem(ctx)
	if err != nil {
		return crawler.Job{}, err
	}
	if err := a.NewWorker(0).Process(ctx, item); err != nil {
		return crawler.Job{}, fmt.Errorf("convert: %w", err)
	}
	job, err = a.Jobs().Get(context.WithoutCancel(ctx), job.ID)
	if err != nil {
		return crawler.Job{}, fmt.Errorf("load job: %w", err)
	}
	if job.State != crawler.JobStateComplete || job.Artifact == nil {
		return job, fmt.Errorf("conversion %s: %s", job.State, job.Reason)
	}
	return job, nil
}

func writeArtifact(ctx context.Context, a *app.App, artifact crawler.Artifact, dest string) (err error) {
	if err := a.Artifacts().Verify(ctx, artifact); err != nil {
		return fmt.Errorf("verify artifact: %w", err)
	}
	rc, _, err := a.Artifacts().Open(ctx, artifact)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer rc.Close()

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()
	if _, err := io.Copy(f, rc); err != nil {
		return fmt.Errorf("write %s: %w", dest, err)
	}
	return nil
}
