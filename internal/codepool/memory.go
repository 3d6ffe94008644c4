package codepool

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// MemoryPool keeps the pool in process memory. All operations hold one mutex.
type MemoryPool struct {
	mu        sync.Mutex
	size      int
	available []string
	active    map[string]struct{}
	logger    logrus.FieldLogger
}

// NewMemoryPool generates size distinct codes of the given length.
func NewMemoryPool(size, length int, logger logrus.FieldLogger) (*MemoryPool, error) {
	codes, err := generateCodes(size, length)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	logger.WithFields(logrus.Fields{"size": size, "length": length}).Info("code pool initialized")

	return &MemoryPool{
		size:      size,
		available: codes,
		active:    make(map[string]struct{}, size),
		logger:    logger,
	}, nil
}

func (p *MemoryPool) Acquire(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.available) == 0 {
		return "", ErrPoolExhausted
	}
	code := p.available[0]
	p.available = p.available[1:]
	p.active[code] = struct{}{}
	return code, nil
}

func (p *MemoryPool) Release(ctx context.Context, code string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.active[code]; !ok {
		p.logger.WithField("code", code).Warn("release of inactive code ignored")
		return
	}
	delete(p.active, code)
	p.available = append(p.available, code)
}

func (p *MemoryPool) Reserve(ctx context.Context, code string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.active[code]; ok {
		return true
	}
	for i, c := range p.available {
		if c == code {
			p.available = append(p.available[:i:i], p.available[i+1:]...)
			p.active[code] = struct{}{}
			return true
		}
	}
	return false
}

func (p *MemoryPool) Stats(ctx context.Context) (Stats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{Size: p.size, Available: len(p.available), Active: len(p.active)}, nil
}
