package tasksync

import (
	"golang.org/x/exp/slices"
)

// location fields followed from tasks and patients
var scopeFields = []string{
	"patient",
	"assignedLocation",
	"assignedLocations",
	"clinic",
	"position",
	"teams",
	"location",
	"locationNode",
}

const maxScopeDepth = 16

// resolves the event scope from the cached location graph:
// the locations the entity is attached to, and all their ancestors.
// location events and entities without a cached location are unknown.
func ResolveCachedScope(tx *CacheTx, event *ChangeEvent) ([]string, bool) {
	if event.EntityKind == EntityKindLocation {
		return nil, false
	}

	locations := map[string]bool{}
	for _, locationId := range event.LocationIds {
		locations[locationId] = true
	}

	entityKey := event.EntityKind.EntityKey(event.EntityId)
	if fields, ok := tx.ReadEntityFields(entityKey); ok {
		collectLocations(tx, fields, locations, map[EntityKey]bool{entityKey: true}, 0)
	}
	if len(locations) == 0 {
		return nil, false
	}

	// ancestors
	frontier := make([]string, 0, len(locations))
	for locationId := range locations {
		frontier = append(frontier, locationId)
	}
	for 0 < len(frontier) {
		locationId := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		parentId, ok := parentLocationId(tx, locationId)
		if ok && !locations[parentId] {
			locations[parentId] = true
			frontier = append(frontier, parentId)
		}
	}

	scope := make([]string, 0, len(locations))
	for locationId := range locations {
		scope = append(scope, locationId)
	}
	slices.Sort(scope)
	return scope, true
}

func collectLocations(tx *CacheTx, fields map[string]any, locations map[string]bool, visited map[EntityKey]bool, depth int) {
	if maxScopeDepth <= depth {
		return
	}
	for _, field := range scopeFields {
		refs := map[EntityKey]bool{}
		collectRefs(fields[field], refs)
		for ref := range refs {
			if visited[ref] {
				continue
			}
			visited[ref] = true
			if ref.Typename == TypenameLocation {
				locations[ref.Id] = true
				continue
			}
			if refFields, ok := tx.ReadEntityFields(ref); ok {
				collectLocations(tx, refFields, locations, visited, depth+1)
			}
		}
	}
}

func parentLocationId(tx *CacheTx, locationId string) (string, bool) {
	fields, ok := tx.ReadEntityFields(EntityKindLocation.EntityKey(locationId))
	if !ok {
		return "", false
	}
	if parentKey, ok := refKey(fields["parent"]); ok {
		return parentKey.Id, true
	}
	if parentId, ok := idString(fields["parentId"]); ok {
		return parentId, true
	}
	return "", false
}
