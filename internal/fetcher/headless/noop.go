package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/review-reply-crawler/internal/adapter"
)

// ErrDisabled is returned by Disabled.
var ErrDisabled = errors.New("headless renderer disabled")

// Disabled stands in for the renderer when a platform is configured for
// headless fetching but no browser is available.
type Disabled struct{}

// FetchPage always fails with ErrDisabled.
func (Disabled) FetchPage(context.Context, adapter.PageRequest) (adapter.Page, error) {
	return adapter.Page{}, ErrDisabled
}
