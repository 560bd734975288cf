package coordination

import (
	"fmt"
	"strings"

	"oss.nandlabs.io/hookforge/managers"
)

// Opener constructs a Store from a scheme-specific connection URL.
type Opener func(url string) (Store, error)

var registry managers.ItemManager[Opener] = managers.NewItemManager[Opener]()

func init() {
	registry.Register("redis", func(url string) (Store, error) {
		return OpenRedisStore(url)
	})
	registry.Register("memory", func(string) (Store, error) {
		return NewMemStore(), nil
	})
}

// Open dials a Store for the given URL, dispatching on its scheme
// ("redis://...", "memory://").
func Open(url string) (Store, error) {
	scheme := schemeOf(url)
	opener := registry.Get(scheme)
	if opener == nil {
		return nil, fmt.Errorf("coordination: no store registered for scheme %q", scheme)
	}
	return opener(url)
}

func schemeOf(url string) string {
	if idx := strings.Index(url, "://"); idx >= 0 {
		return url[:idx]
	}
	return url
}
