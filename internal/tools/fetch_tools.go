package tools

import (
	"context"
	"errors"

	"github.com/nugget/hearth/internal/fetch"
)

// RegisterFetch adds url_fetch, backed by f, to r.
func RegisterFetch(r *Registry, f *fetch.Fetcher) error {
	return r.Register(&Tool{
		Name: "url_fetch",
		Description: "Fetch a web page with GET and return its readable text. " +
			"Only domains on the configured allow-list (and their subdomains) can be fetched.",
		Permission: Network,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "Absolute http or https URL",
				},
				"max_chars": map[string]any{
					"type":        "integer",
					"minimum":     1,
					"description": "Maximum characters of text to return (default 50000)",
				},
			},
			"required":             []string{"url"},
			"additionalProperties": false,
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			url, _ := args["url"].(string)
			res, err := f.Fetch(ctx, url, intArg(args, "max_chars"))
			switch {
			case errors.Is(err, fetch.ErrDomainNotAllowed):
				return nil, forbidden("%v", err)
			case errors.Is(err, fetch.ErrInvalidURL):
				return nil, invalidInput("%v", err)
			case err != nil:
				return nil, failed("%v", err)
			}
			return res, nil
		},
	})
}
