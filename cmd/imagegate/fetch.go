package main

import (
	"bufio"
	"context"
	"fmt"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Rorqualx/imagegate/internal/app"
	"github.com/Rorqualx/imagegate/internal/progress"
	"github.com/Rorqualx/imagegate/internal/security"
	"github.com/Rorqualx/imagegate/internal/types"
)

type fetchOptions struct {
	outDir    string
	listFile  string
	tui       bool
	noBrowser bool
}

func newFetchCmd(root *rootOptions) *cobra.Command {
	opts := &fetchOptions{}

	cmd := &cobra.Command{
		Use:   "fetch [url...]",
		Short: "Fetch resources in order through the admission gate",
		RunE: func(cmd *cobra.Command, args []string) error {
			urls := args
			if opts.listFile != "" {
				more, err := readURLList(opts.listFile)
				if err != nil {
					return err
				}
				urls = append(urls, more...)
			}
			if len(urls) == 0 {
				return fmt.Errorf("no urls given")
			}
			for i, u := range urls {
				if err := types.ValidateTargetURL(u); err != nil {
					return fmt.Errorf("url %d: %w", i+1, err)
				}
			}
			return runFetch(cmd.Context(), root, opts, urls)
		},
	}

	cmd.Flags().StringVarP(&opts.outDir, "out", "o", ".", "directory to write resources to")
	cmd.Flags().StringVarP(&opts.listFile, "file", "f", "", "read urls from a file, one per line")
	cmd.Flags().BoolVar(&opts.tui, "tui", false, "show an interactive progress view")
	cmd.Flags().BoolVar(&opts.noBrowser, "no-browser", false, "skip the browser and use raw requests and the fallback loader only")
	return cmd
}

func runFetch(ctx context.Context, root *rootOptions, opts *fetchOptions, urls []string) error {
	if err := os.MkdirAll(opts.outDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	var appOpts []app.Option
	if opts.noBrowser {
		appOpts = append(appOpts, app.WithoutSurface())
	}
	c, err := app.New(root.cfg, appOpts...)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer c.Close()

	n := 0
	save := func(it app.BatchItem) progress.ItemMsg {
		n++
		msg := progress.ItemMsg{URL: it.URL, Err: it.Err}
		if it.Err != nil {
			return msg
		}
		name := filepath.Join(opts.outDir, outputName(n, it.URL, it.Result.ContentType))
		if err := os.WriteFile(name, it.Result.Bytes, 0o644); err != nil {
			msg.Err = fmt.Errorf("write %s: %w", name, err)
			return msg
		}
		msg.Strategy = it.Result.Final.String()
		msg.Bytes = len(it.Result.Bytes)
		return msg
	}

	failed := 0
	if opts.tui {
		m, err := progress.Run(ctx, urls, os.Stdout, func(ctx context.Context, report func(progress.ItemMsg)) {
			c.FetchBatch(ctx, urls, func(it app.BatchItem) { report(save(it)) })
		})
		if err != nil {
			return err
		}
		if m.Aborted() {
			return context.Canceled
		}
		failed = m.Failed()
	} else {
		c.FetchBatch(ctx, urls, func(it app.BatchItem) {
			msg := save(it)
			if msg.Err != nil {
				failed++
				log.Error().Err(msg.Err).Str("url", security.RedactURL(it.URL)).Msg("Fetch failed")
				return
			}
			log.Info().
				Str("url", security.RedactURL(it.URL)).
				Str("strategy", msg.Strategy).
				Int("bytes", msg.Bytes).
				Msg("Fetched")
		})
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d resources failed", failed, len(urls))
	}
	return nil
}

// outputName numbers files in submission order so pages sort correctly.
func outputName(n int, rawURL, contentType string) string {
	base := "resource"
	if u, err := url.Parse(rawURL); err == nil {
		if b := path.Base(u.Path); b != "." && b != "/" && b != "" {
			base = b
		}
	}
	if filepath.Ext(base) == "" {
		if exts, _ := mime.ExtensionsByType(contentType); len(exts) > 0 {
			base += exts[0]
		}
	}
	return fmt.Sprintf("%03d-%s", n, base)
}

func readURLList(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var urls []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	return urls, sc.Err()
}
