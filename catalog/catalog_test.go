package catalog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"

	"github.com/akhenakh/orthomosaic/bbox"
)

func newBucket(t *testing.T, keys ...string) *blob.Bucket {
	t.Helper()
	ctx := context.Background()
	b := memblob.OpenBucket(nil)
	t.Cleanup(func() { b.Close() })
	for _, k := range keys {
		require.NoError(t, b.WriteAll(ctx, k, []byte("raster"), nil))
	}
	return b
}

func newCatalog(t *testing.T, b *blob.Bucket, opts Options) *Catalog {
	t.Helper()
	if opts.Prefix == "" {
		opts.Prefix = "dop10rgbi_32"
	}
	if opts.Ext == "" {
		opts.Ext = "tif"
	}
	c, err := New(b, opts, nil)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestParseName(t *testing.T) {
	p, err := NewNamePattern("dop10rgbi_32", "tif")
	require.NoError(t, err)

	e, err := p.Parse("nw/dop10rgbi_32_468_5772_1_nw_2022.tif")
	require.NoError(t, err)
	require.Equal(t, TileID{Easting: 468, Northing: 5772}, e.ID)
	require.Equal(t, 2022, e.Year)
	require.Equal(t, "dop10rgbi_32_468_5772_1_nw_2022.tif", e.Name())
	require.True(t, e.Bounds.Equal(bbox.New(468000, 5772000, 468999, 5772999)), "got %s", e.Bounds)

	require.Equal(t, "dop10rgbi_32_468_5772_1_nw_2022.tif", p.Name(e.ID, 2022))

	for _, bad := range []string{
		"dop10rgbi_32_468_1_nw_2022.tif",
		"dop10rgbi_32_468_5772_1_nw_22.tif",
		"dop10rgbi_33_468_5772_1_nw_2022.tif",
		"dop10rgbi_32_468_5772_1_nw_2022.jp2",
		"readme.tif",
	} {
		_, err := p.Parse(bad)
		var mErr *MalformedNameError
		require.ErrorAs(t, err, &mErr, "name %q", bad)
		require.Equal(t, bad, mErr.Name)
		require.Contains(t, err.Error(), bad)
	}
}

func TestListSkipsOtherExtensionsAndSubdirs(t *testing.T) {
	b := newBucket(t,
		"nw/dop10rgbi_32_468_5772_1_nw_2022.tif",
		"nw/dop10rgbi_32_469_5772_1_nw_2022.tif",
		"nw/dop10rgbi_32_468_5772_1_nw_2022.tfw",
		"nw/notes.txt",
		"nw/archive/dop10rgbi_32_470_5772_1_nw_2019.tif",
		"other/dop10rgbi_32_1_1_1_nw_2022.tif",
	)
	c := newCatalog(t, b, Options{})

	entries, err := c.List(context.Background(), "nw")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		require.Equal(t, 5772, e.ID.Northing)
	}
}

func TestListExtensionIsCaseSensitive(t *testing.T) {
	b := newBucket(t,
		"nw/dop10rgbi_32_468_5772_1_nw_2022.tif",
		"nw/dop10rgbi_32_469_5772_1_nw_2022.TIF",
	)
	c := newCatalog(t, b, Options{})

	entries, err := c.List(context.Background(), "nw")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, TileID{468, 5772}, entries[0].ID)

	require.True(t, c.Pattern().HasExt("dop10rgbi_32_468_5772_1_nw_2022.tif"))
	require.False(t, c.Pattern().HasExt("dop10rgbi_32_468_5772_1_nw_2022.TIF"))
}

func TestListCancelledCallerKeepsSharedScan(t *testing.T) {
	b := newBucket(t,
		"nw/dop10rgbi_32_468_5772_1_nw_2022.tif",
		"nw/dop10rgbi_32_469_5772_1_nw_2022.tif",
	)
	c := newCatalog(t, b, Options{TTL: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.List(ctx, "nw")
	if err != nil {
		require.ErrorIs(t, err, context.Canceled)
	}

	// the scan started for the cancelled caller still completes and is cached
	require.Eventually(t, func() bool {
		item := c.scans.Get("nw/")
		return item != nil && len(item.Value()) == 2
	}, 5*time.Second, 10*time.Millisecond)

	entries, err := c.List(context.Background(), "nw")
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestListMalformedNameIsFatal(t *testing.T) {
	b := newBucket(t,
		"nw/dop10rgbi_32_468_5772_1_nw_2022.tif",
		"nw/broken_name.tif",
	)
	c := newCatalog(t, b, Options{})

	_, err := c.List(context.Background(), "nw")
	var mErr *MalformedNameError
	require.ErrorAs(t, err, &mErr)
	require.Equal(t, "broken_name.tif", mErr.Name)
}

func TestListLenientSkipsMalformedName(t *testing.T) {
	b := newBucket(t,
		"nw/dop10rgbi_32_468_5772_1_nw_2022.tif",
		"nw/broken_name.tif",
	)
	c := newCatalog(t, b, Options{Lenient: true})

	entries, err := c.List(context.Background(), "nw")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, TileID{468, 5772}, entries[0].ID)
}

func TestListCachesScans(t *testing.T) {
	ctx := context.Background()
	b := newBucket(t, "nw/dop10rgbi_32_468_5772_1_nw_2022.tif")
	c := newCatalog(t, b, Options{TTL: time.Minute})

	entries, err := c.List(ctx, "nw/")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// A new file is not seen until the cached scan is invalidated.
	require.NoError(t, b.WriteAll(ctx, "nw/dop10rgbi_32_469_5772_1_nw_2022.tif", []byte("raster"), nil))
	entries, err = c.List(ctx, "nw")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	c.Invalidate("nw")
	entries, err = c.List(ctx, "nw")
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestListWithoutTTLRescans(t *testing.T) {
	ctx := context.Background()
	b := newBucket(t, "dop10rgbi_32_468_5772_1_nw_2022.tif")
	c := newCatalog(t, b, Options{})

	entries, err := c.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, b.WriteAll(ctx, "dop10rgbi_32_469_5772_1_nw_2022.tif", []byte("raster"), nil))
	entries, err = c.List(ctx, ".")
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestListConcurrent(t *testing.T) {
	b := newBucket(t,
		"nw/dop10rgbi_32_468_5772_1_nw_2022.tif",
		"nw/dop10rgbi_32_469_5772_1_nw_2022.tif",
		"nw/dop10rgbi_32_468_5773_1_nw_2022.tif",
	)
	c := newCatalog(t, b, Options{TTL: time.Minute})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entries, err := c.List(context.Background(), "nw")
			if err == nil && len(entries) != 3 {
				err = errors.New("unexpected entry count")
			}
			if err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func TestFindIntersecting(t *testing.T) {
	p, err := NewNamePattern("dop10rgbi_32", "tif")
	require.NoError(t, err)

	var entries []Entry
	// listing order deliberately unsorted
	for _, id := range []TileID{{469, 5773}, {468, 5772}, {469, 5772}, {468, 5773}, {470, 5772}} {
		e, err := p.Parse(p.Name(id, 2022))
		require.NoError(t, err)
		entries = append(entries, e)
	}

	tests := []struct {
		name      string
		footprint bbox.BoundingBox
		want      []TileID
	}{
		{
			name:      "inside one tile",
			footprint: bbox.Around(468500, 5772500, 100),
			want:      []TileID{{468, 5772}},
		},
		{
			name:      "across the vertical seam",
			footprint: bbox.Around(469000, 5772500, 100),
			want:      []TileID{{468, 5772}, {469, 5772}},
		},
		{
			name:      "across a corner",
			footprint: bbox.Around(469000, 5773000, 100),
			want:      []TileID{{468, 5772}, {468, 5773}, {469, 5772}, {469, 5773}},
		},
		{
			name:      "outside the dataset",
			footprint: bbox.Around(100000, 100000, 100),
			want:      nil,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			found := FindIntersecting(entries, tc.footprint)
			var ids []TileID
			for _, e := range found {
				ids = append(ids, e.ID)
			}
			require.Equal(t, tc.want, ids)
		})
	}
}
