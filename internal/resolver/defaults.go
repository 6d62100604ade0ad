package resolver

// defaultGrants is the static table of capabilities every holder of the
// built-in basic-user role receives without an explicit role permission.
var defaultGrants = map[string]struct{}{
	"profile:read":       {},
	"profile:update":     {},
	"dashboard:view":     {},
	"documents:read":     {},
	"notifications:read": {},
}

// defaultGranted reports whether the basic-user default table covers the
// resource type and action.
func defaultGranted(resourceType, action string) bool {
	_, ok := defaultGrants[resourceType+":"+action]
	return ok
}
