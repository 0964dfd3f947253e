package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	httptoolkit "github.com/maranix/http-toolkit"
)

type requestOptions struct {
	method     string
	headers    []string
	data       string
	include    bool
	retries    int
	timeout    time.Duration
	logRequest bool
}

func newRequestCommand(global *globalOptions) *cobra.Command {
	opts := &requestOptions{}

	cmd := &cobra.Command{
		Use:   "request [flags] URL",
		Short: "Send a single request and print the response body",
		Long: `Send a single request through a client built from the configuration.

A relative URL is resolved against base_url from the configuration.`,
		Example: `  httptoolkit request https://example.com/health
  httptoolkit request -X POST -H 'Content-Type: application/json' -d '{"a":1}' /items
  httptoolkit request --retries 5 -i /flaky`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRequest(cmd, global, opts, args[0])
		},
	}

	addRequestFlags(cmd.Flags(), opts)
	return cmd
}

func addRequestFlags(fs *pflag.FlagSet, opts *requestOptions) {
	fs.StringVarP(&opts.method, "request", "X", http.MethodGet, "HTTP method")
	fs.StringArrayVarP(&opts.headers, "header", "H", nil, "Request header as 'Name: value' (repeatable)")
	fs.StringVarP(&opts.data, "data", "d", "", "Request body")
	fs.BoolVarP(&opts.include, "include", "i", false, "Print the status line and response headers")
	fs.IntVar(&opts.retries, "retries", -1, "Override retry.max_retries")
	fs.DurationVar(&opts.timeout, "timeout", 0, "Override the client timeout")
	fs.BoolVar(&opts.logRequest, "log-requests", false, "Log every attempt")
}

func runRequest(cmd *cobra.Command, global *globalOptions, opts *requestOptions, target string) error {
	cfg, err := httptoolkit.LoadConfig(global.configPath)
	if err != nil {
		return err
	}
	applyOverrides(cfg, cmd.Flags(), global, opts)

	client, err := httptoolkit.NewFromConfig(cfg, httptoolkit.WithMiddleware(
		httptoolkit.DefaultHeaders(map[string]string{"User-Agent": httptoolkit.DefaultUserAgent()}),
	))
	if err != nil {
		return err
	}
	defer client.Close()

	req, err := buildRequest(cmd.Context(), opts)
	if err != nil {
		return err
	}
	req.URL, err = req.URL.Parse(target)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", target, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	out := cmd.OutOrStdout()
	if opts.include {
		writeResponseHead(out, resp)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("request failed: %s", resp.Status)
	}
	return nil
}

func applyOverrides(cfg *httptoolkit.Config, fs *pflag.FlagSet, global *globalOptions, opts *requestOptions) {
	if global.logLevel != "" {
		cfg.Log.Level = global.logLevel
	}
	if fs.Changed("retries") && opts.retries >= 0 {
		cfg.Retry.MaxRetries = opts.retries
	}
	if fs.Changed("timeout") {
		cfg.Timeout = opts.timeout
	}
	if opts.logRequest {
		cfg.Log.Requests = true
	}
}

func buildRequest(ctx context.Context, opts *requestOptions) (*http.Request, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var body io.Reader
	if opts.data != "" {
		body = strings.NewReader(opts.data)
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(opts.method), "", body)
	if err != nil {
		return nil, err
	}

	for _, h := range opts.headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid header %q, expected 'Name: value'", h)
		}
		req.Header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return req, nil
}

func writeResponseHead(w io.Writer, resp *http.Response) {
	fmt.Fprintf(w, "%s %s\n", resp.Proto, resp.Status)
	names := make([]string, 0, len(resp.Header))
	for name := range resp.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, value := range resp.Header[name] {
			fmt.Fprintf(w, "%s: %s\n", name, value)
		}
	}
	fmt.Fprintln(w)
}
