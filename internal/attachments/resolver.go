package attachments

import (
	"context"
	"errors"
)

// ErrUnresolvable reports that a storage reference has no durable URL,
// typically because the object does not exist.
var ErrUnresolvable = errors.New("attachment url unavailable")

// Resolver issues durable URLs for stored files.
type Resolver interface {
	ResolveURL(ctx context.Context, storageRef string) (string, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, storageRef string) (string, error)

func (f ResolverFunc) ResolveURL(ctx context.Context, storageRef string) (string, error) {
	return f(ctx, storageRef)
}

// NoopResolver resolves nothing; every attachment is omitted.
type NoopResolver struct{}

func (NoopResolver) ResolveURL(ctx context.Context, storageRef string) (string, error) {
	return "", ErrUnresolvable
}
