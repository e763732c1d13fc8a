package pipeline

import (
	"context"
	"sort"
	"strings"

	"github.com/fieldops/incidentpipe/internal/objstore"
)

// ListNew returns candidate source keys under prefix, oldest first, excluding
// keys already marked processed. It is a pure query: pending exclusion is the
// poll loop's admission rule, not the watcher's.
func ListNew(ctx context.Context, store objstore.Store, prefix string, isProcessed func(string) bool) ([]string, error) {
	objects, err := store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	// oldest-to-newest bounds unfairness when batches accumulate
	sort.Slice(objects, func(i, j int) bool {
		return objects[i].LastModified.Before(objects[j].LastModified)
	})

	var keys []string
	for _, obj := range objects {
		if !strings.HasSuffix(obj.Key, ".csv") {
			continue
		}
		if isProcessed != nil && isProcessed(obj.Key) {
			continue
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}
