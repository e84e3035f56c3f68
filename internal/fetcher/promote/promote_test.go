package promote

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/review-reply-crawler/internal/adapter"
)

func TestHeuristic_ShouldPromote_EmptyBody(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100, "li.review")
	require.True(t, h.ShouldPromote(adapter.Page{StatusCode: http.StatusOK}))
}

func TestHeuristic_ShouldPromote_SPAMarkers(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100, "li.review")
	require.True(t, h.ShouldPromote(adapter.Page{
		StatusCode: http.StatusOK,
		Body:       []byte(`<div id="__next"></div>`),
	}))
}

func TestHeuristic_ShouldPromote_ScriptDensity(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(1000, "")
	require.True(t, h.ShouldPromote(adapter.Page{
		StatusCode: http.StatusOK,
		Body:       []byte(`<html><script>var a=1;</script><p>t</p></html>`),
	}))
}

func TestHeuristic_ItemsPresentNeverPromote(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(1000, "li.review")
	require.False(t, h.ShouldPromote(adapter.Page{
		StatusCode: http.StatusOK,
		Body:       []byte(`<div id="__next"><ul><li class="review">great</li></ul></div>`),
	}))
}

func TestHeuristic_DisabledForNon200AndRendered(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100, "")
	require.False(t, h.ShouldPromote(adapter.Page{StatusCode: http.StatusNotFound, Body: []byte("not found")}))
	require.False(t, h.ShouldPromote(adapter.Page{StatusCode: http.StatusOK, Rendered: true}))
}

type fakeFetcher struct {
	page  adapter.Page
	calls int
}

func (f *fakeFetcher) FetchPage(context.Context, adapter.PageRequest) (adapter.Page, error) {
	f.calls++
	return f.page, nil
}

func TestFetcher_PromotesShellPages(t *testing.T) {
	t.Parallel()

	static := &fakeFetcher{page: adapter.Page{StatusCode: http.StatusOK, Body: []byte(`<div id="root"></div>`)}}
	browser := &fakeFetcher{page: adapter.Page{StatusCode: http.StatusOK, Rendered: true, Body: []byte("<li class=review>")}}
	f, err := New(static, browser, NewHeuristic(0, "li.review"), nil)
	require.NoError(t, err)

	page, err := f.FetchPage(context.Background(), adapter.PageRequest{URL: "https://c.example/stores/1/reviews"})
	require.NoError(t, err)
	require.True(t, page.Rendered)
	require.Equal(t, 1, static.calls)
	require.Equal(t, 1, browser.calls)

	static.page.Body = []byte(`<ul><li class="review">ok</li></ul>`)
	page, err = f.FetchPage(context.Background(), adapter.PageRequest{URL: "https://c.example/stores/1/reviews"})
	require.NoError(t, err)
	require.False(t, page.Rendered)
	require.Equal(t, 1, browser.calls)

	_, err = New(nil, browser, nil, nil)
	require.Error(t, err)
}
