// Package registry stores where services live: service name -> {network name: address}.
//
// The discovery service is the only writer. Storage is not the source of truth; the
// discovery service may wipe it on start and rebuild it from configuration and from the
// registrations and liveness checks that follow.
package registry

import (
	"context"
	"fmt"

	"github.com/nuclio/errors"
)

// ErrServiceDoesNotExist matches every *ServiceDoesNotExistError.
var ErrServiceDoesNotExist = errors.New("Service does not exist")

// ServiceDoesNotExistError is returned when a service is not registered, or is not in the
// caller's allow-list.
type ServiceDoesNotExistError struct {
	Name string
}

func (e *ServiceDoesNotExistError) Error() string {
	return fmt.Sprintf("Service does not exists: %s", e.Name)
}

func (e *ServiceDoesNotExistError) Is(target error) bool {
	return target == ErrServiceDoesNotExist
}

// Networks maps a network name (e.g. "internal", "external") to an address.
type Networks map[string]string

// Filter returns the addresses of the requested networks only. No names means all of them.
func (n Networks) Filter(names ...string) Networks {
	if len(names) == 0 {
		return n.Copy()
	}

	filtered := Networks{}
	for _, name := range names {
		if address, ok := n[name]; ok {
			filtered[name] = address
		}
	}
	return filtered
}

// Copy returns a shallow copy.
func (n Networks) Copy() Networks {
	copied := make(Networks, len(n))
	for name, address := range n {
		copied[name] = address
	}
	return copied
}

// Storage keeps service entries. Set fully replaces an entry, it never merges.
type Storage interface {
	Set(ctx context.Context, name string, networks Networks) error
	SetMany(ctx context.Context, entries map[string]Networks) error

	// Get returns *ServiceDoesNotExistError when name is not stored
	Get(ctx context.Context, name string) (Networks, error)

	// GetMany skips names that are not stored
	GetMany(ctx context.Context, names []string) (map[string]Networks, error)

	Delete(ctx context.Context, name string) error
	DeleteMany(ctx context.Context, names []string) error
	Exists(ctx context.Context, name string) (bool, error)
	All(ctx context.Context) (map[string]Networks, error)
	Close() error
}
