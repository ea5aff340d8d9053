package namespace

import (
	"context"

	"go.uber.org/zap"

	"github.com/objectfs/blobfs/pkg/types"
)

// Page is one page of a hierarchical listing. SkipFirst is set when the
// page starts with the item that ended the previous page.
type Page struct {
	Items     []types.ListItem
	SkipFirst bool
}

// Visible returns the items of the page that were not already seen.
func (p Page) Visible() []types.ListItem {
	if p.SkipFirst && len(p.Items) > 0 {
		return p.Items[1:]
	}
	return p.Items
}

// Flatten concatenates pages, dropping boundary duplicates.
func Flatten(pages []Page) []types.ListItem {
	var out []types.ListItem
	for _, p := range pages {
		out = append(out, p.Visible()...)
	}
	return out
}

// ListAll follows continuation tokens until the listing of prefix is
// exhausted. On failure the pages collected so far are returned with the error.
func (r *Resolver) ListAll(ctx context.Context, prefix, delimiter string, pageSize int) ([]Page, error) {
	var pages []Page
	err := r.walk(ctx, r.config.Container, prefix, delimiter, pageSize, func(p Page) bool {
		pages = append(pages, p)
		return true
	})
	return pages, err
}

// walk lists prefix page by page, handing each page to fn until fn returns
// false or the listing ends. Each page request is retried on its own, so
// the failure bound counts consecutive failures only.
func (r *Resolver) walk(ctx context.Context, container, prefix, delimiter string, pageSize int, fn func(Page) bool) error {
	token := ""
	lastName := ""
	first := true

	for {
		var res *types.ListResult
		err := r.retryer.DoWithContext(ctx, func(ctx context.Context) error {
			var err error
			res, err = r.store.ListHierarchical(ctx, container, delimiter, token, prefix, pageSize)
			r.metrics.RecordRemoteCall("list", err == nil)
			return err
		})
		if err != nil {
			r.logger.Debug("listing failed",
				zap.String("prefix", prefix),
				zap.String("token", token),
				zap.Error(err))
			return err
		}

		page := Page{Items: res.Items}
		if len(res.Items) > 0 {
			page.SkipFirst = !first && res.Items[0].Name == lastName
			lastName = res.Items[len(res.Items)-1].Name
		}
		first = false

		if !fn(page) || res.NextToken == "" {
			return nil
		}
		token = res.NextToken
	}
}
