package publish

import (
	"context"
	"sync"
)

// MockPublisher is intended for tests only. It publishes nothing
// and keeps track of the files it was asked to publish.
type MockPublisher struct {
	mu        sync.Mutex
	Published []string
}

func (p *MockPublisher) Publish(ctx context.Context, localPath string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Published = append(p.Published, localPath)
	return "mock://" + localPath, nil
}
