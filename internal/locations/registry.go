package locations

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/kjstillabower/tourweather/internal/models"
)

// ErrEmptyRegistry is returned when a registry is built from no locations.
var ErrEmptyRegistry = errors.New("location registry is empty")

// ErrDuplicateID is returned when two registry entries share an id.
var ErrDuplicateID = errors.New("duplicate location id")

var idPattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// rules are the custom validation tags used by models.Location.
var rules = map[string]validator.Func{
	"latitude": func(fl validator.FieldLevel) bool {
		lat := fl.Field().Float()
		return lat >= -90.0 && lat <= 90.0
	},
	"longitude": func(fl validator.FieldLevel) bool {
		lon := fl.Field().Float()
		return lon >= -180.0 && lon <= 180.0
	},
	"locid": func(fl validator.FieldLevel) bool {
		return idPattern.MatchString(fl.Field().String())
	},
}

var validate = mustValidator(rules)

// buildValidator returns a validator with every rule registered.
func buildValidator(rules map[string]validator.Func) (*validator.Validate, error) {
	v := validator.New()
	for tag, fn := range rules {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return nil, fmt.Errorf("register %q validation: %w", tag, err)
		}
	}
	return v, nil
}

// mustValidator is like buildValidator but panics, since the rules are fixed at compile time.
func mustValidator(rules map[string]validator.Func) *validator.Validate {
	v, err := buildValidator(rules)
	if err != nil {
		panic(err)
	}
	return v
}

// Defaults is the built-in registry used when configuration lists no locations.
var Defaults = []models.Location{
	{ID: "lisbon", DisplayName: "Lisbon", Latitude: 38.7223, Longitude: -9.1393},
	{ID: "porto", DisplayName: "Porto", Latitude: 41.1579, Longitude: -8.6291},
	{ID: "madrid", DisplayName: "Madrid", Latitude: 40.4226, Longitude: -3.6897},
	{ID: "barcelona", DisplayName: "Barcelona", Latitude: 41.3874, Longitude: 2.1686},
	{ID: "seville", DisplayName: "Seville", Latitude: 37.3891, Longitude: -5.9845},
	{ID: "faro", DisplayName: "Faro", Latitude: 37.0194, Longitude: -7.9304},
}

// Registry is a fixed, ordered set of locations. The first entry is the default.
type Registry struct {
	ordered []models.Location
	byID    map[string]models.Location
}

// New validates locs and builds a registry preserving their order.
func New(locs []models.Location) (*Registry, error) {
	if len(locs) == 0 {
		return nil, ErrEmptyRegistry
	}
	r := &Registry{
		ordered: make([]models.Location, 0, len(locs)),
		byID:    make(map[string]models.Location, len(locs)),
	}
	for i, loc := range locs {
		loc.ID = strings.TrimSpace(loc.ID)
		if err := validate.Struct(loc); err != nil {
			return nil, fmt.Errorf("location %d (%q): %w", i, loc.ID, err)
		}
		if _, dup := r.byID[loc.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, loc.ID)
		}
		r.ordered = append(r.ordered, loc)
		r.byID[loc.ID] = loc
	}
	return r, nil
}

// MustDefault returns a registry of the built-in locations.
func MustDefault() *Registry {
	r, err := New(Defaults)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the location for id and whether it was registered.
func (r *Registry) Lookup(id string) (models.Location, bool) {
	loc, ok := r.byID[strings.TrimSpace(id)]
	return loc, ok
}

// Resolve returns the location for id, or the default location when id is not registered.
// The second value is false when the default was substituted.
func (r *Registry) Resolve(id string) (models.Location, bool) {
	if loc, ok := r.Lookup(id); ok {
		return loc, true
	}
	return r.Default(), false
}

// Default returns the first registered location.
func (r *Registry) Default() models.Location {
	return r.ordered[0]
}

// All returns the locations in registration order.
func (r *Registry) All() []models.Location {
	out := make([]models.Location, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// IDs returns the registered ids in order.
func (r *Registry) IDs() []string {
	ids := make([]string, len(r.ordered))
	for i, loc := range r.ordered {
		ids[i] = loc.ID
	}
	return ids
}

// Len returns the number of registered locations.
func (r *Registry) Len() int {
	return len(r.ordered)
}
