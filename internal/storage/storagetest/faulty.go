// Package storagetest provides fault-injecting storage wrappers for tests.
package storagetest

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/ghlake/ghlake/internal/storage"
)

// ErrInjected is returned by every injected failure.
var ErrInjected = errors.New("storagetest: injected failure")

// Op names an ObjectStorage operation that can be failed.
type Op string

const (
	OpPut    Op = "put"
	OpGet    Op = "get"
	OpDelete Op = "delete"
	OpList   Op = "list"
)

// Faulty wraps an ObjectStorage and fails selected operations on keys with
// a given prefix. It also records every delete it forwards.
type Faulty struct {
	storage.ObjectStorage

	mu      sync.Mutex
	faults  map[Op][]string
	hooks   []putHook
	deleted []string
}

type putHook struct {
	prefix string
	fn     func(key string)
}

// NewFaulty wraps inner.
func NewFaulty(inner storage.ObjectStorage) *Faulty {
	return &Faulty{ObjectStorage: inner, faults: make(map[Op][]string)}
}

// Fail makes op fail for every key starting with prefix.
func (f *Faulty) Fail(op Op, prefix string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[op] = append(f.faults[op], prefix)
}

// AfterPut calls fn with the key after every successful Put of a key
// starting with prefix.
func (f *Faulty) AfterPut(prefix string, fn func(key string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks = append(f.hooks, putHook{prefix: prefix, fn: fn})
}

// Heal removes every injected failure.
func (f *Faulty) Heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = make(map[Op][]string)
}

// Deleted returns the keys successfully passed to Delete, in call order.
func (f *Faulty) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func (f *Faulty) failing(op Op, key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, prefix := range f.faults[op] {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

func (f *Faulty) Put(ctx context.Context, objectPath string, data []byte) error {
	if f.failing(OpPut, objectPath) {
		return ErrInjected
	}
	if err := f.ObjectStorage.Put(ctx, objectPath, data); err != nil {
		return err
	}
	f.mu.Lock()
	hooks := append([]putHook(nil), f.hooks...)
	f.mu.Unlock()
	for _, h := range hooks {
		if strings.HasPrefix(objectPath, h.prefix) {
			h.fn(objectPath)
		}
	}
	return nil
}

func (f *Faulty) ConditionalPut(ctx context.Context, objectPath string, data []byte, etag string) error {
	if f.failing(OpPut, objectPath) {
		return ErrInjected
	}
	return f.ObjectStorage.ConditionalPut(ctx, objectPath, data, etag)
}

func (f *Faulty) Get(ctx context.Context, objectPath string) ([]byte, error) {
	if f.failing(OpGet, objectPath) {
		return nil, ErrInjected
	}
	return f.ObjectStorage.Get(ctx, objectPath)
}

func (f *Faulty) Open(ctx context.Context, objectPath string) (io.ReadCloser, error) {
	if f.failing(OpGet, objectPath) {
		return nil, ErrInjected
	}
	return f.ObjectStorage.Open(ctx, objectPath)
}

func (f *Faulty) Delete(ctx context.Context, objectPath string) error {
	if f.failing(OpDelete, objectPath) {
		return ErrInjected
	}
	if err := f.ObjectStorage.Delete(ctx, objectPath); err != nil {
		return err
	}
	f.mu.Lock()
	f.deleted = append(f.deleted, objectPath)
	f.mu.Unlock()
	return nil
}

func (f *Faulty) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	if f.failing(OpList, prefix) {
		return nil, ErrInjected
	}
	return f.ObjectStorage.ListObjects(ctx, prefix)
}
