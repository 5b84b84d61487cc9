package chunk

import (
	"context"
	"errors"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Prefetcher reads chunks ahead of the consumer in a background goroutine.
// Chunks are still handed out strictly in index order, so a caller sending them one by one
// never sends ahead, it only avoids waiting on the disk between two sends.
type Prefetcher struct {
	ch        chan Descriptor
	cancel    context.CancelFunc
	group     *errgroup.Group
	closeOnce sync.Once
}

// NewPrefetcher starts reading the chunks of reader in the background.
// At most depth chunks are held in memory besides the one returned last by Next.
func NewPrefetcher(ctx context.Context, reader *Reader, depth int) *Prefetcher {
	if depth < 1 {
		depth = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(ctx)
	// The producer goroutine holds one chunk while blocked on the channel.
	ch := make(chan Descriptor, depth-1)

	group.Go(func() error {
		defer close(ch)

		for i := 0; i < reader.plan.TotalChunks; i++ {
			d, err := reader.Read(i)
			if err != nil {
				return err
			}

			select {
			case ch <- d:
			case <-groupCtx.Done():
				return groupCtx.Err()
			}
		}
		return nil
	})

	return &Prefetcher{
		ch:     ch,
		cancel: cancel,
		group:  group,
	}
}

// Next returns the next chunk in index order, io.EOF after the last one,
// or the error that stopped the background reader.
func (p *Prefetcher) Next() (Descriptor, error) {
	d, ok := <-p.ch
	if ok {
		return d, nil
	}
	if err := p.group.Wait(); err != nil {
		return Descriptor{}, err
	}
	return Descriptor{}, io.EOF
}

// Close stops the background reader and waits for it to exit.
func (p *Prefetcher) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.cancel()
		for range p.ch {
		}
		err = p.group.Wait()
		if errors.Is(err, context.Canceled) {
			err = nil
		}
	})
	return err
}
