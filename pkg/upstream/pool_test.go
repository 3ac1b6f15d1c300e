package upstream

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dummyUpstream struct {
	name string
	n    int
}

func (d *dummyUpstream) Exchange(context.Context, []byte) (*Response, error) {
	d.n++
	return &Response{Body: []byte{1}, Status: 200}, nil
}
func (d *dummyUpstream) Name() string    { return d.name }
func (d *dummyUpstream) Address() string { return "https://" + d.name + "/dns-query" }
func (d *dummyUpstream) Close() error    { return nil }

func TestPool_Sample(t *testing.T) {
	p := NewPoolFrom(
		&dummyUpstream{name: "a"},
		&dummyUpstream{name: "b"},
		&dummyUpstream{name: "c"},
		&dummyUpstream{name: "d"},
		&dummyUpstream{name: "e"},
		&dummyUpstream{name: "f"},
	)
	assert.Equal(t, 6, p.Len())
	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f"}, p.Names())

	seen := make(map[string]int)
	for i := 0; i < 3000; i++ {
		s := p.Sample(4)
		require.Len(t, s, 4)
		uniq := make(map[string]struct{})
		for _, u := range s {
			uniq[u.Name()] = struct{}{}
			seen[u.Name()]++
		}
		assert.Len(t, uniq, 4, "sample must not repeat upstreams")
	}
	// Every upstream should be picked roughly 2000 times.
	for name, n := range seen {
		assert.InDelta(t, 2000, n, 300, "upstream %s", name)
	}

	assert.Len(t, p.Sample(10), 6)
	assert.Empty(t, p.Sample(0))

	// Sampling must not reorder the pool.
	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f"}, p.Names())
}

func TestNewPool(t *testing.T) {
	_, err := NewPool(nil, Opts{})
	assert.Error(t, err)

	_, err = NewPool([]Config{
		{Name: "a", URL: "https://a.example/dns-query"},
		{Name: "a", URL: "https://b.example/dns-query"},
	}, Opts{})
	assert.ErrorContains(t, err, "duplicated")

	_, err = NewPool([]Config{{Name: "a", URL: "ftp://a.example/"}}, Opts{})
	assert.ErrorContains(t, err, "unsupported scheme")

	_, err = NewPool([]Config{{URL: "https://a.example/"}}, Opts{})
	assert.Error(t, err)

	p, err := NewPool([]Config{
		{Name: "Cloudflare", URL: "https://cloudflare-dns.com/dns-query", Color: "#f38020"},
		{Name: "Quad9", URL: "https://dns.quad9.net/dns-query", HTTP3: true, QPS: 10},
	}, Opts{})
	require.NoError(t, err)
	defer p.Close()
	assert.Equal(t, []Endpoint{
		{Name: "Cloudflare", URL: "https://cloudflare-dns.com/dns-query", Color: "#f38020"},
		{Name: "Quad9", URL: "https://dns.quad9.net/dns-query"},
	}, p.Endpoints())
}

func TestWithQPSLimit(t *testing.T) {
	d := &dummyUpstream{name: "a"}
	u := WithQPSLimit(d, 0.001, 2)
	assert.Equal(t, "a", u.Name())

	for i := 0; i < 2; i++ {
		_, err := u.Exchange(context.Background(), nil)
		require.NoError(t, err)
	}
	_, err := u.Exchange(context.Background(), nil)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 2, d.n)
}
