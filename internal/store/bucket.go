package store

import "context"

// Bucket narrows a Repository to a single namespace.
type Bucket struct {
	repo      Repository
	namespace string
}

// NewBucket returns the records of namespace in repo.
func NewBucket(repo Repository, namespace string) *Bucket {
	return &Bucket{repo: repo, namespace: namespace}
}

// Namespace returns the bucket's namespace.
func (b *Bucket) Namespace() string { return b.namespace }

func (b *Bucket) Load(ctx context.Context) ([]Record, error) {
	return b.repo.Load(ctx, b.namespace)
}

func (b *Bucket) Store(ctx context.Context, key, value string) error {
	return b.repo.Store(ctx, b.namespace, key, value)
}

func (b *Bucket) Remove(ctx context.Context, key string) error {
	return b.repo.Remove(ctx, b.namespace, key)
}

func (b *Bucket) RemoveAll(ctx context.Context) error {
	return b.repo.RemoveAll(ctx, b.namespace)
}
