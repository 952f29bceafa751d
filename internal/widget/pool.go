package widget

import (
	"context"
	"sync"

	"github.com/kjstillabower/tourweather/internal/models"
)

// Pool hands out one Widget per cache key for servers with many concurrent callers.
// Each keyed widget keeps its own loading flag, so a slow fetch for one location and
// unit system never rejects a request for another. All widgets share the primary's
// cache, store and client. Selection and preferences belong to the primary.
type Pool struct {
	primary *Widget

	mu      sync.Mutex
	widgets map[string]*Widget
}

// NewPool creates a pool around primary, which should already be initialized.
func NewPool(primary *Widget) *Pool {
	return &Pool{primary: primary, widgets: make(map[string]*Widget)}
}

// Primary returns the widget that owns the selection and preferences.
func (p *Pool) Primary() *Widget {
	return p.primary
}

// For returns the widget for the key locationID and units resolve to. Unknown ids resolve
// to the default location, so the pool never holds more than one widget per registry
// entry and unit system.
func (p *Pool) For(locationID string, units models.UnitSystem) *Widget {
	loc, _ := p.primary.registry.Resolve(locationID)
	if !units.Valid() {
		units = models.Metric
	}
	key := models.CacheKey(loc.ID, units)

	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.widgets[key]
	if !ok {
		w = p.primary.sibling()
		p.widgets[key] = w
	}
	return w
}

// Fetch runs Widget.Fetch on the keyed widget. ErrFetchInProgress means the same key
// is already loading.
func (p *Pool) Fetch(ctx context.Context, locationID string, units models.UnitSystem, forceRefresh bool) (models.FetchResult, error) {
	return p.For(locationID, units).Fetch(ctx, locationID, units, forceRefresh)
}

// Detached returns a widget outside the pool sharing its cache and store. Background
// work such as cache warming uses one so it never holds a key a user is waiting on.
func (p *Pool) Detached() *Widget {
	return p.primary.sibling()
}

// Len returns the number of keyed widgets created so far.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.widgets)
}
