package broker

import (
	"fmt"
	"strings"

	"oss.nandlabs.io/hookforge/managers"
)

// Opener constructs a Broker from a scheme-specific connection URL.
type Opener func(url string) (Broker, error)

var registry managers.ItemManager[Opener] = managers.NewItemManager[Opener]()

func init() {
	registry.Register("redis", func(url string) (Broker, error) {
		return OpenRedisBroker(url)
	})
	registry.Register("memory", func(string) (Broker, error) {
		return NewMemBroker(), nil
	})
}

// Open dials a Broker for the given URL, dispatching on its scheme
// ("redis://...", "memory://").
func Open(url string) (Broker, error) {
	scheme := schemeOf(url)
	opener := registry.Get(scheme)
	if opener == nil {
		return nil, fmt.Errorf("broker: no provider registered for scheme %q", scheme)
	}
	return opener(url)
}

func schemeOf(url string) string {
	if idx := strings.Index(url, "://"); idx >= 0 {
		return url[:idx]
	}
	return url
}
