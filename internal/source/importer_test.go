package source

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const articleHTML = `<!DOCTYPE html>
<html><head><title>Solar in 2026</title><meta name="author" content="Ada Lovelace"></head>
<body>
<nav>Home | About | Contact</nav>
<article>
<h1>Solar in 2026</h1>
<p>Rooftop solar adoption doubled in the last two years as panel prices kept falling and
installers streamlined permitting. Homeowners now recover their investment in under six years.</p>
<h2>Storage</h2>
<p>Home batteries turned rooftop panels into resilient microgrids. Utilities started paying
households for grid services during peak demand, which changed the economics of storage entirely.</p>
<ul><li>Cheaper lithium iron phosphate cells</li><li>Smarter inverters</li></ul>
</article>
<footer>Copyright</footer>
</body></html>`

func fastImporter(opts ...Option) *Importer {
	i := NewImporter(opts...)
	i.backoff = func(int) time.Duration { return 0 }
	return i
}

func TestImport_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("User-Agent"), "Mozilla")
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, articleHTML)
	}))
	defer srv.Close()

	doc, err := fastImporter().Import(context.Background(), srv.URL)
	require.NoError(t, err)

	assert.Equal(t, srv.URL, doc.URL)
	assert.Contains(t, doc.Text, "Rooftop solar adoption doubled")
	assert.Contains(t, doc.Text, "Storage")
	assert.NotContains(t, doc.Text, "\n\n\n")
	assert.Greater(t, doc.WordCount, 20)
}

func TestImport_Truncates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, articleHTML)
	}))
	defer srv.Close()

	doc, err := fastImporter(WithMaxTextLength(120)).Import(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(doc.Text, "[truncated]"))
}

func TestImport_TooShort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><body><p>Please log in.</p></body></html>`)
	}))
	defer srv.Close()

	_, err := fastImporter().Import(context.Background(), srv.URL)
	assert.ErrorContains(t, err, "too short")
}

func TestImport_RetriesThenFails(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := fastImporter().Import(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Equal(t, maxRetries, calls)
	assert.ErrorContains(t, err, "HTTP 502")
}

func TestImport_RecoversOnRetry(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, articleHTML)
	}))
	defer srv.Close()

	_, err := fastImporter().Import(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestNormalizeText(t *testing.T) {
	assert.Equal(t, "a b\n\n c", normalizeText("  a \t  b\n\n\n\n c  "))
}
