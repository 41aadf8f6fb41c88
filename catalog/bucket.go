package catalog

import (
	"context"
	"fmt"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
)

// OpenBucket opens the dataset location. A plain directory path is served
// from the local file system, anything with a URL scheme (file://, mem://)
// goes through the gocloud URL opener.
func OpenBucket(ctx context.Context, location string) (*blob.Bucket, error) {
	if strings.Contains(location, "://") {
		b, err := blob.OpenBucket(ctx, location)
		if err != nil {
			return nil, fmt.Errorf("opening dataset bucket %s: %w", location, err)
		}
		return b, nil
	}
	b, err := fileblob.OpenBucket(location, nil)
	if err != nil {
		return nil, fmt.Errorf("opening dataset directory %s: %w", location, err)
	}
	return b, nil
}
