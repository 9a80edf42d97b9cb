package fbapi

import (
	"context"
	"net/url"
)

// Paginator walks a cursor-paginated endpoint one page at a time. It holds
// at most one page in memory; the full result set is never buffered. There
// is no mid-pagination resume: a fresh Paginator always starts from page
// one.
type Paginator struct {
	client   *Client
	op       string
	firstURL string
	params   url.Values
	nextURL  string
	started  bool
	done     bool
}

func (c *Client) newPager(op, rawurl string, params url.Values) *Paginator {
	return &Paginator{
		client:   c,
		op:       op,
		firstURL: rawurl,
		params:   params,
	}
}

// NextPage fetches the next page and returns its items. It returns
// (nil, nil) once the remote result set is exhausted, i.e. when a response
// carries no "next" pointer.
func (p *Paginator) NextPage(ctx context.Context) ([]map[string]interface{}, error) {
	for {
		if p.done {
			return nil, nil
		}

		var page Page
		if !p.started {
			if err := p.client.get(ctx, p.op, p.firstURL, p.params, &page); err != nil {
				return nil, err
			}
			p.started = true
		} else {
			// The next pointer is a complete URL; the cursor lives in its
			// query string.
			if err := p.client.get(ctx, p.op, p.nextURL, nil, &page); err != nil {
				return nil, err
			}
		}

		if page.Paging != nil && page.Paging.Next != "" {
			p.nextURL = page.Paging.Next
		} else {
			p.done = true
		}

		// An empty page mid-pagination is not exhaustion; keep following
		// the cursor.
		if len(page.Data) > 0 {
			return page.Data, nil
		}
	}
}

// Each invokes fn for every item across all remaining pages, stopping on
// the first error.
func (p *Paginator) Each(ctx context.Context, fn func(map[string]interface{}) error) error {
	for {
		page, err := p.NextPage(ctx)
		if err != nil {
			return err
		}
		if page == nil {
			return nil
		}
		for _, item := range page {
			if err := fn(item); err != nil {
				return err
			}
		}
	}
}
