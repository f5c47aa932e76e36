package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
)

// fakeIDIterator serves prepared pages, then err or io.EOF.
type fakeIDIterator struct {
	pages [][]string
	err   error
}

func (f *fakeIDIterator) Next(ctx context.Context) (client.ResultSet, error) {
	if len(f.pages) == 0 {
		if f.err != nil {
			return nil, f.err
		}
		return nil, io.EOF
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return client.ResultSet{entity.NewColumnVarChar(fieldPaperID, page)}, nil
}

func TestDrainIDsPagesPastResultWindow(t *testing.T) {
	// Two full windows plus a remainder; an offset-paged scan would be
	// rejected by the server before the second window.
	total := 2*queryCap + 137
	var pages [][]string
	for start := 0; start < total; start += queryCap {
		end := start + queryCap
		if end > total {
			end = total
		}
		page := make([]string, 0, end-start)
		for i := start; i < end; i++ {
			page = append(page, fmt.Sprintf("paper_%012d", i))
		}
		pages = append(pages, page)
	}

	ids, err := drainIDs(context.Background(), &fakeIDIterator{pages: pages})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != total {
		t.Fatalf("got %d ids, want %d", len(ids), total)
	}
	for _, n := range []int{0, queryCap - 1, queryCap, 2 * queryCap, total - 1} {
		if _, ok := ids[fmt.Sprintf("paper_%012d", n)]; !ok {
			t.Errorf("id %d missing", n)
		}
	}
}

func TestDrainIDsEmpty(t *testing.T) {
	ids, err := drainIDs(context.Background(), &fakeIDIterator{})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Fatalf("got %d ids, want 0", len(ids))
	}
}

func TestDrainIDsPropagatesError(t *testing.T) {
	boom := errors.New("rpc went away")
	itr := &fakeIDIterator{
		pages: [][]string{{"paper_000000000001"}},
		err:   boom,
	}
	_, err := drainIDs(context.Background(), itr)
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want wrapped iterator error", err)
	}
}
